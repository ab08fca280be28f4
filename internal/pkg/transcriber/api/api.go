package api

import "context"

// Kind tags transcription outcome
type Kind int

const (
	// OK - text recognized
	OK Kind = iota
	// NoSpeech - engine worked, nothing said
	NoSpeech
	// Degraded - engine answered but the chunk can't be used
	Degraded
	// Unavailable - engine unreachable
	Unavailable
)

var kindName = map[Kind]string{OK: "ok", NoSpeech: "no_speech", Degraded: "degraded", Unavailable: "unavailable"}

func (k Kind) String() string {
	return kindName[k]
}

// Segment is a time aligned piece of recognized text
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result of one transcription call
type Result struct {
	Kind             Kind
	Text             string
	Segments         []Segment
	Confidence       *float64
	DetectedLanguage string
	Duration         float64
	Reason           string
}

// Usable returns true if chunk text can be stored
func (r *Result) Usable() bool {
	return r.Kind == OK || r.Kind == NoSpeech
}

// Transcriber converts audio file to text
type Transcriber interface {
	Transcribe(ctx context.Context, file, language string, vad bool) Result
	Live(ctx context.Context) error
}
