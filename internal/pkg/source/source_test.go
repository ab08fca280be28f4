package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/airenas/medscribe/internal/pkg/test"
	"github.com/airenas/medscribe/internal/pkg/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

func TestOpen_Local(t *testing.T) {
	a, err := NewAudio(nil, t.TempDir())
	require.Nil(t, err)
	f := filepath.Join(t.TempDir(), "a.wav")
	require.Nil(t, os.WriteFile(f, []byte("wav"), 0o644))

	got, cf, err := a.Open(test.Ctx(t), f)
	require.Nil(t, err)
	cf()
	assert.Equal(t, f, got)
	assert.FileExists(t, f)
}

func TestOpen_LocalMissing(t *testing.T) {
	a, err := NewAudio(nil, t.TempDir())
	require.Nil(t, err)
	_, _, err = a.Open(test.Ctx(t), "/none/a.wav")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = a.Open(test.Ctx(t), t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_Minio(t *testing.T) {
	filer := &mocks.Filer{}
	filer.On("LoadFile", mock.Anything, "s1/a.mp3").Return(nopCloser{strings.NewReader("mp3")}, nil)
	a, err := NewAudio(filer, t.TempDir())
	require.Nil(t, err)

	got, cf, err := a.Open(test.Ctx(t), "minio://s1/a.mp3")
	require.Nil(t, err)
	b, err := os.ReadFile(got)
	require.Nil(t, err)
	assert.Equal(t, "mp3", string(b))
	assert.Equal(t, ".mp3", filepath.Ext(got))
	cf()
	assert.NoFileExists(t, got)
}

func TestOpen_MinioFails(t *testing.T) {
	filer := &mocks.Filer{}
	filer.On("LoadFile", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("olia"))
	a, err := NewAudio(filer, t.TempDir())
	require.Nil(t, err)
	_, _, err = a.Open(test.Ctx(t), "minio://s1/a.mp3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_MinioNotConfigured(t *testing.T) {
	a, err := NewAudio(nil, t.TempDir())
	require.Nil(t, err)
	_, _, err = a.Open(test.Ctx(t), "minio://s1/a.mp3")
	assert.NotNil(t, err)
}
