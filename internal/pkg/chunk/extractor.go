package chunk

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// CommandRunner executes external tool and returns its combined output
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osRunner struct{}

func (osRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Extractor cuts windows from audio file with ffmpeg
type Extractor struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
	runner  CommandRunner
}

// NewExtractor creates extractor, empty tool paths fall back to names in PATH
func NewExtractor(ffmpeg, ffprobe string, timeout time.Duration) (*Extractor, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("no extract timeout")
	}
	res := &Extractor{ffmpeg: ffmpeg, ffprobe: ffprobe, timeout: timeout, runner: osRunner{}}
	if res.ffmpeg == "" {
		res.ffmpeg = "ffmpeg"
	}
	if res.ffprobe == "" {
		res.ffprobe = "ffprobe"
	}
	goapp.Log.Info().Str("ffmpeg", res.ffmpeg).Str("ffprobe", res.ffprobe).Dur("timeout", timeout).Msg("extractor")
	return res, nil
}

// Duration returns audio length in seconds
func (e *Extractor) Duration(ctx context.Context, file string) (float64, error) {
	ctx, cf := context.WithTimeout(ctx, e.timeout)
	defer cf()
	out, err := e.runner.Run(ctx, e.ffprobe, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", file)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w, output: %s", err, limit(string(out), 300))
	}
	res, err := parseDuration(string(out))
	if err != nil {
		return 0, fmt.Errorf("can't parse duration: %w", err)
	}
	return res, nil
}

// Extract writes the window into 16kHz mono wav file in dir, returns the file path
func (e *Extractor) Extract(ctx context.Context, file string, w Window, dir string) (string, error) {
	if w.End <= w.Start {
		return "", fmt.Errorf("%w: %s", ErrInvalidWindow, w.String())
	}
	ctx, cf := context.WithTimeout(ctx, e.timeout)
	defer cf()
	res := filepath.Join(dir, fmt.Sprintf("chunk_%05d.wav", w.Index))
	out, err := e.runner.Run(ctx, e.ffmpeg, "-nostdin", "-v", "error",
		"-ss", formatSec(w.Start), "-t", formatSec(w.Duration()),
		"-i", file,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		"-y", res)
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed for %s: %w, output: %s", w.String(), err, limit(string(out), 300))
	}
	return res, nil
}

func parseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("no duration in '%s'", s)
	}
	return strconv.ParseFloat(s, 64)
}

func formatSec(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func limit(s string, l int) string {
	if len(s) > l {
		return s[:l] + "..."
	}
	return s
}
