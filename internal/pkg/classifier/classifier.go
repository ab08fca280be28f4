package classifier

import (
	"context"

	"github.com/airenas/medscribe/internal/pkg/persistence"
)

// Kind tags classification outcome
type Kind int

const (
	// OK - label decided
	OK Kind = iota
	// Degraded - classifier answered, label not usable
	Degraded
	// Unavailable - classifier disabled or unreachable
	Unavailable
)

var kindName = map[Kind]string{OK: "ok", Degraded: "degraded", Unavailable: "unavailable"}

func (k Kind) String() string {
	return kindName[k]
}

// Result of speaker classification, Label is UNKNOWN unless Kind is OK
type Result struct {
	Kind   Kind
	Label  string
	Reason string
}

func ok(label string) Result {
	return Result{Kind: OK, Label: label}
}

func degraded(reason string) Result {
	return Result{Kind: Degraded, Label: persistence.SpeakerUnknown, Reason: reason}
}

func unavailable(reason string) Result {
	return Result{Kind: Unavailable, Label: persistence.SpeakerUnknown, Reason: reason}
}

// Disabled always returns UNKNOWN
type Disabled struct{}

// Classify implements worker.Classifier
func (Disabled) Classify(ctx context.Context, text, before, after string) Result {
	return unavailable("classifier disabled")
}
