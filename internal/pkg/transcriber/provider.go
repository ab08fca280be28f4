package transcriber

import (
	"fmt"

	"github.com/airenas/medscribe/internal/pkg/transcriber/api"
)

// StaticProvider returns one configured transcriber
type StaticProvider struct {
	tr   api.Transcriber
	name string
}

// NewStaticProvider wraps transcriber as provider
func NewStaticProvider(tr api.Transcriber, name string) (*StaticProvider, error) {
	if tr == nil {
		return nil, fmt.Errorf("no transcriber")
	}
	return &StaticProvider{tr: tr, name: name}, nil
}

// Pick returns the configured transcriber
func (p *StaticProvider) Pick() (api.Transcriber, string, error) {
	return p.tr, p.name, nil
}
