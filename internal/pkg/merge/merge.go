package merge

import (
	"strings"

	"github.com/airenas/medscribe/internal/pkg/persistence"
)

// DefaultMaxGap is the default max pause in seconds between merged chunks
const DefaultMaxGap = 1.0

// Merge coalesces adjacent chunks of the same speaker separated by less than maxGap.
// Input must be in chronological order.
func Merge(chunks []persistence.ChunkResult, maxGap float64) []persistence.DiarizedSegment {
	res := make([]persistence.DiarizedSegment, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if l := len(res); l > 0 {
			last := &res[l-1]
			if last.Speaker == c.Speaker && c.Start-last.End < maxGap {
				last.Text = join(last.Text, text)
				if c.End > last.End {
					last.End = c.End
				}
				continue
			}
		}
		res = append(res, persistence.DiarizedSegment{Start: c.Start, End: c.End, Speaker: c.Speaker, Text: text})
	}
	return res
}

func join(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}
