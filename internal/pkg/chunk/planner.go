package chunk

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidWindow indicates wrong planning parameters
var ErrInvalidWindow = errors.New("invalid window params")

const (
	// DefaultLength of one chunk in seconds
	DefaultLength = 30.0
	// DefaultOverlap between neighbouring chunks in seconds
	DefaultOverlap = 0.5
)

// Window is one planned audio slice, seconds from the audio start
type Window struct {
	Index int
	Start float64
	End   float64
}

// Duration returns window length in seconds
func (w Window) Duration() float64 {
	return w.End - w.Start
}

func (w Window) String() string {
	return fmt.Sprintf("chunk %d: %.2f-%.2f", w.Index, w.Start, w.End)
}

// Plan splits [0, duration] into windows of length with overlap.
// Windows advance by length-overlap, the last one is truncated to duration.
func Plan(duration, length, overlap float64) ([]Window, error) {
	if length <= 0 || math.IsNaN(length) {
		return nil, fmt.Errorf("%w: length %v", ErrInvalidWindow, length)
	}
	if overlap < 0 || overlap >= length {
		return nil, fmt.Errorf("%w: overlap %v, length %v", ErrInvalidWindow, overlap, length)
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, fmt.Errorf("%w: duration %v", ErrInvalidWindow, duration)
	}
	step := length - overlap
	res := make([]Window, 0, int(math.Ceil(duration/step)))
	for i := 0; ; i++ {
		start := float64(i) * step
		end := math.Min(start+length, duration)
		res = append(res, Window{Index: i, Start: start, End: end})
		if end >= duration {
			break
		}
	}
	return res, nil
}
