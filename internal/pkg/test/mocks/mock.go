package mocks

import (
	"context"
	"io"

	"github.com/airenas/medscribe/internal/pkg/chunk"
	"github.com/airenas/medscribe/internal/pkg/classifier"
	"github.com/airenas/medscribe/internal/pkg/messages"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"github.com/stretchr/testify/mock"
)

// Filer is minio mock
type Filer struct{ mock.Mock }

// LoadFile func mock
func (m *Filer) LoadFile(ctx context.Context, fileName string) (io.ReadSeekCloser, error) {
	args := m.Called(ctx, fileName)
	return to[io.ReadSeekCloser](args.Get(0)), args.Error(1)
}

// Transcriber is ASR client mock
type Transcriber struct{ mock.Mock }

// Transcribe func mock
func (m *Transcriber) Transcribe(ctx context.Context, file, language string, vad bool) api.Result {
	args := m.Called(ctx, file, language, vad)
	return args.Get(0).(api.Result)
}

// Live func mock
func (m *Transcriber) Live(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Extractor is audio cutter mock
type Extractor struct{ mock.Mock }

// Duration func mock
func (m *Extractor) Duration(ctx context.Context, file string) (float64, error) {
	args := m.Called(ctx, file)
	return args.Get(0).(float64), args.Error(1)
}

// Extract func mock
func (m *Extractor) Extract(ctx context.Context, file string, w chunk.Window, dir string) (string, error) {
	args := m.Called(ctx, file, w, dir)
	return args.String(0), args.Error(1)
}

// Classifier is speaker classifier mock
type Classifier struct{ mock.Mock }

// Classify func mock
func (m *Classifier) Classify(ctx context.Context, text, before, after string) classifier.Result {
	args := m.Called(ctx, text, before, after)
	return args.Get(0).(classifier.Result)
}

// Source is audio source mock
type Source struct{ mock.Mock }

// Open func mock
func (m *Source) Open(ctx context.Context, path string) (string, func(), error) {
	args := m.Called(ctx, path)
	return args.String(0), to[func()](args.Get(1)), args.Error(2)
}

// Enqueuer is worker queue mock
type Enqueuer struct{ mock.Mock }

// Enqueue func mock
func (m *Enqueuer) Enqueue(msg *messages.DiarizeMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

// Store is job store mock
type Store struct{ mock.Mock }

// InitJob func mock
func (m *Store) InitJob(ctx context.Context, job *persistence.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// LoadJob func mock
func (m *Store) LoadJob(ctx context.Context, id string) (*persistence.Job, error) {
	args := m.Called(ctx, id)
	return to[*persistence.Job](args.Get(0)), args.Error(1)
}

// SaveJob func mock
func (m *Store) SaveJob(ctx context.Context, job *persistence.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// LoadChunks func mock
func (m *Store) LoadChunks(ctx context.Context, jobID string) ([]persistence.ChunkResult, error) {
	args := m.Called(ctx, jobID)
	return to[[]persistence.ChunkResult](args.Get(0)), args.Error(1)
}

// LoadSnapshot func mock
func (m *Store) LoadSnapshot(ctx context.Context, id string) (*persistence.JobSnapshot, error) {
	args := m.Called(ctx, id)
	return to[*persistence.JobSnapshot](args.Get(0)), args.Error(1)
}

// LoadResult func mock
func (m *Store) LoadResult(ctx context.Context, jobID string) (*persistence.Result, error) {
	args := m.Called(ctx, jobID)
	return to[*persistence.Result](args.Get(0)), args.Error(1)
}

// SaveDownstream func mock
func (m *Store) SaveDownstream(ctx context.Context, jobID, soapStatus, soapError string) error {
	args := m.Called(ctx, jobID, soapStatus, soapError)
	return args.Error(0)
}

// ListJobs func mock
func (m *Store) ListJobs(ctx context.Context, sessionID string, limit int) ([]*persistence.Job, error) {
	args := m.Called(ctx, sessionID, limit)
	return to[[]*persistence.Job](args.Get(0)), args.Error(1)
}

// Live func mock
func (m *Store) Live(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
