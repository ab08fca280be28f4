package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
)

// MinioPrefix marks audio stored in object storage
const MinioPrefix = "minio://"

// ErrNotFound is returned when audio does not exist
var ErrNotFound = errors.New("audio not found")

// Filer loads files from object storage
type Filer interface {
	LoadFile(ctx context.Context, fileName string) (io.ReadSeekCloser, error)
}

// Audio resolves job audio path to a local file
type Audio struct {
	filer   Filer
	tempDir string
}

// NewAudio creates audio source, filer may be nil if object storage is not used
func NewAudio(filer Filer, tempDir string) (*Audio, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create temp dir: %w", err)
	}
	goapp.Log.Info().Bool("minio", filer != nil).Str("tempDir", tempDir).Msg("audio source")
	return &Audio{filer: filer, tempDir: tempDir}, nil
}

// Open returns local file path and cleanup func
func (a *Audio) Open(ctx context.Context, path string) (string, func(), error) {
	if name, ok := strings.CutPrefix(path, MinioPrefix); ok {
		return a.fetch(ctx, name)
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", nil, fmt.Errorf("can't stat %s: %w", path, err)
	}
	if st.IsDir() {
		return "", nil, fmt.Errorf("%w: %s is a dir", ErrNotFound, path)
	}
	return path, func() {}, nil
}

func (a *Audio) fetch(ctx context.Context, name string) (string, func(), error) {
	if a.filer == nil {
		return "", nil, fmt.Errorf("no object storage configured for %s", name)
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	r, err := a.filer.LoadFile(ctx, name)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	defer r.Close()
	f, err := os.CreateTemp(a.tempDir, "audio-*"+filepath.Ext(name))
	if err != nil {
		return "", nil, fmt.Errorf("can't create temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			goapp.Log.Warn().Err(err).Str("file", f.Name()).Msg("can't remove")
		}
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("can't copy %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("can't close temp file: %w", err)
	}
	goapp.Log.Info().Str("name", name).Str("file", f.Name()).Msg("audio fetched")
	return f.Name(), cleanup, nil
}
