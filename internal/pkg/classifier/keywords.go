package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"gopkg.in/yaml.v3"
)

// Rules are phrase lists typical for each speaker
type Rules struct {
	Patient   []string `yaml:"patient"`
	Clinician []string `yaml:"clinician"`
	// ContextWeight is the weight of phrases found in neighbour chunks, 0 disables context
	ContextWeight float64 `yaml:"contextWeight"`
}

// Keywords labels text by phrase counts
type Keywords struct {
	rules Rules
}

// LoadRules reads rules from yaml file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses yaml rules
func ParseRules(data []byte) (*Rules, error) {
	var res Rules
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("can't parse rules: %w", err)
	}
	if len(res.Patient) == 0 && len(res.Clinician) == 0 {
		return nil, fmt.Errorf("no rules")
	}
	if res.ContextWeight < 0 || res.ContextWeight > 1 {
		return nil, fmt.Errorf("wrong contextWeight %v", res.ContextWeight)
	}
	res.Patient = normalize(res.Patient)
	res.Clinician = normalize(res.Clinician)
	return &res, nil
}

// NewKeywords creates keyword classifier
func NewKeywords(rules *Rules) (*Keywords, error) {
	if rules == nil {
		return nil, fmt.Errorf("no rules")
	}
	goapp.Log.Info().Int("patient", len(rules.Patient)).Int("clinician", len(rules.Clinician)).Msg("keyword rules")
	return &Keywords{rules: *rules}, nil
}

// Classify implements worker.Classifier
func (k *Keywords) Classify(ctx context.Context, text, before, after string) Result {
	t := strings.ToLower(text)
	if strings.TrimSpace(t) == "" {
		return degraded("empty text")
	}
	p := float64(count(t, k.rules.Patient))
	c := float64(count(t, k.rules.Clinician))
	if k.rules.ContextWeight > 0 {
		// a reply usually follows the other speaker
		ctxText := strings.ToLower(before + " " + after)
		p += k.rules.ContextWeight * float64(count(ctxText, k.rules.Clinician))
		c += k.rules.ContextWeight * float64(count(ctxText, k.rules.Patient))
	}
	switch {
	case p > c:
		return ok(persistence.SpeakerPatient)
	case c > p:
		return ok(persistence.SpeakerClinician)
	}
	return degraded("no decisive keywords")
}

func count(text string, phrases []string) int {
	res := 0
	for _, ph := range phrases {
		res += strings.Count(text, ph)
	}
	return res
}

func normalize(in []string) []string {
	res := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			res = append(res, s)
		}
	}
	return res
}
