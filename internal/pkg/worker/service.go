package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/chunk"
	"github.com/airenas/medscribe/internal/pkg/classifier"
	"github.com/airenas/medscribe/internal/pkg/messages"
	"github.com/airenas/medscribe/internal/pkg/metrics"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/status"
	tapi "github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned when no more jobs can be queued
var ErrQueueFull = errors.New("queue full")

// Store provides job persistence
type Store interface {
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
	SaveJob(ctx context.Context, job *persistence.Job) error
	AppendChunk(ctx context.Context, jobID string, c *persistence.ChunkResult) error
	LoadChunks(ctx context.Context, jobID string) ([]persistence.ChunkResult, error)
	SaveResult(ctx context.Context, jobID string, r *persistence.Result) error
	ListJobs(ctx context.Context, sessionID string, limit int) ([]*persistence.Job, error)
}

// Gate blocks until CPU is idle
type Gate interface {
	WaitIdle(ctx context.Context, stop func() bool) bool
}

// Extractor measures and cuts audio
type Extractor interface {
	Duration(ctx context.Context, file string) (float64, error)
	Extract(ctx context.Context, file string, w chunk.Window, dir string) (string, error)
}

// TranscriberProvider returns available ASR instance
type TranscriberProvider interface {
	Pick() (tapi.Transcriber, string, error)
}

// Classifier labels chunk speaker
type Classifier interface {
	Classify(ctx context.Context, text, before, after string) classifier.Result
}

// AudioSource resolves job audio to local file
type AudioSource interface {
	Open(ctx context.Context, path string) (string, func(), error)
}

// EventPublisher gets progress events in chunk order
type EventPublisher interface {
	Publish(ctx context.Context, ev *messages.ProgressEvent)
}

// Auditor records status transitions
type Auditor interface {
	Transition(job *persistence.Job, from string)
}

// ServiceData keeps data required for service work
type ServiceData struct {
	Store       Store
	Gate        Gate
	Extractor   Extractor
	Transcriber TranscriberProvider
	Classifier  Classifier
	Source      AudioSource
	Publisher   EventPublisher
	Auditor     Auditor

	// Slot is the global job semaphore, may be shared by several services
	Slot     *semaphore.Weighted
	SlotPoll time.Duration

	// RecoverRetry is the pause before listing unfinished jobs again after a store error
	RecoverRetry time.Duration

	ChunkLength      float64
	ChunkOverlap     float64
	MergeGap         float64
	Language         string
	VAD              bool
	TranscribePool   int
	QueueSize        int
	SkipFailedChunks bool
	WorkDir          string
}

// Service is a single flight diarization worker
type Service struct {
	data *ServiceData

	queue    chan *messages.DiarizeMessage
	// handled is owned by the loop goroutine
	handled  map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
	stop     atomic.Bool
	done     chan struct{}
	started  atomic.Bool
}

// NewService validates data and creates worker
func NewService(data *ServiceData) (*Service, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	if data.Slot == nil {
		data.Slot = semaphore.NewWeighted(1)
	}
	if data.SlotPoll <= 0 {
		data.SlotPoll = time.Second
	}
	if data.RecoverRetry <= 0 {
		data.RecoverRetry = 10 * time.Second
	}
	if data.Publisher == nil {
		data.Publisher = nopPublisher{}
	}
	if data.Auditor == nil {
		data.Auditor = nopAuditor{}
	}
	goapp.Log.Info().Float64("chunk", data.ChunkLength).Float64("overlap", data.ChunkOverlap).
		Int("pool", data.TranscribePool).Int("queue", data.QueueSize).
		Bool("skipFailed", data.SkipFailedChunks).Str("language", data.Language).Msg("worker")
	return &Service{data: data, queue: make(chan *messages.DiarizeMessage, data.QueueSize),
		handled: map[string]bool{}, stopCh: make(chan struct{}), done: make(chan struct{})}, nil
}

// Start starts the loop. Jobs left unfinished in the store are picked up by the loop
// whenever the queue is empty.
// Returns channel closed when the loop exits.
func (s *Service) Start(ctx context.Context) (<-chan struct{}, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("already started")
	}
	go s.run(ctx)
	return s.done, nil
}

// Enqueue adds job message to queue without blocking
func (s *Service) Enqueue(m *messages.DiarizeMessage) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("no job ID")
	}
	if s.stopped() {
		return fmt.Errorf("worker stopped")
	}
	select {
	case s.queue <- m:
		metrics.QueueSize.Set(float64(len(s.queue)))
		goapp.Log.Info().Str("ID", m.ID).Int("queued", len(s.queue)).Msg("enqueued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop sets stop flag and waits for the loop to exit. In-flight chunk work is finished.
func (s *Service) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		goapp.Log.Info().Msg("stopping worker")
		s.stop.Store(true)
		close(s.stopCh)
	})
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		goapp.Log.Info().Msg("worker stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker stop timeout %v", timeout)
	}
}

// nextUnfinished returns the oldest pending or in progress job not handled by this worker yet
func (s *Service) nextUnfinished(ctx context.Context) (*messages.DiarizeMessage, error) {
	jobs, err := s.data.Store.ListJobs(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("can't list jobs: %w", err)
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		if s.handled[j.ID] {
			continue
		}
		st := status.From(j.Status)
		if st == status.Pending || st == status.InProgress {
			return messages.NewDiarizeMessage(j.ID, j.SessionID), nil
		}
	}
	return nil, nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	goapp.Log.Info().Msg("worker loop started")
	defer goapp.Log.Info().Msg("worker loop finished")
	recovering, recovered := true, 0
	for {
		if s.stopped() || ctx.Err() != nil {
			return
		}
		select {
		case m := <-s.queue:
			s.handleQueued(ctx, m)
			continue
		default:
		}
		var retry <-chan time.Time
		if recovering {
			m, err := s.nextUnfinished(ctx)
			switch {
			case err != nil:
				goapp.Log.Error().Err(err).Msg("can't recover jobs")
				retry = time.After(s.data.RecoverRetry)
			case m == nil:
				goapp.Log.Info().Int("jobs", recovered).Msg("recovered")
				recovering = false
			default:
				goapp.Log.Info().Str("ID", m.ID).Msg("recovering")
				recovered++
				s.handle(ctx, m)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case m := <-s.queue:
			s.handleQueued(ctx, m)
		case <-retry:
		}
	}
}

func (s *Service) handleQueued(ctx context.Context, m *messages.DiarizeMessage) {
	metrics.QueueSize.Set(float64(len(s.queue)))
	s.handle(ctx, m)
}

func (s *Service) handle(ctx context.Context, m *messages.DiarizeMessage) {
	goapp.Log.Info().Str("ID", m.ID).Msg("handling")
	s.handled[m.ID] = true
	if !s.acquireSlot(ctx) {
		goapp.Log.Info().Str("ID", m.ID).Msg("stopped before slot")
		return
	}
	defer s.data.Slot.Release(1)
	if !s.data.Gate.WaitIdle(ctx, s.stopped) {
		goapp.Log.Info().Str("ID", m.ID).Msg("stopped before cpu gate")
		return
	}
	defer goapp.Estimate("job " + m.ID)()
	if err := s.processJob(ctx, m.ID); err != nil {
		if errors.Is(err, errStopped) {
			goapp.Log.Info().Str("ID", m.ID).Msg("job interrupted, left in progress")
			return
		}
		goapp.Log.Error().Err(err).Str("ID", m.ID).Msg("job failed")
	}
}

// acquireSlot polls the global semaphore
func (s *Service) acquireSlot(ctx context.Context) bool {
	for {
		if s.data.Slot.TryAcquire(1) {
			return true
		}
		if s.stopped() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-time.After(s.data.SlotPoll):
		}
	}
}

func (s *Service) stopped() bool {
	return s.stop.Load()
}

func validate(data *ServiceData) error {
	if data.Store == nil {
		return fmt.Errorf("no Store")
	}
	if data.Gate == nil {
		return fmt.Errorf("no Gate")
	}
	if data.Extractor == nil {
		return fmt.Errorf("no Extractor")
	}
	if data.Transcriber == nil {
		return fmt.Errorf("no Transcriber")
	}
	if data.Classifier == nil {
		return fmt.Errorf("no Classifier")
	}
	if data.Source == nil {
		return fmt.Errorf("no Source")
	}
	if data.ChunkLength <= 0 {
		return fmt.Errorf("wrong chunk length %v", data.ChunkLength)
	}
	if data.ChunkOverlap < 0 || data.ChunkOverlap >= data.ChunkLength {
		return fmt.Errorf("wrong chunk overlap %v", data.ChunkOverlap)
	}
	if data.MergeGap < 0 {
		return fmt.Errorf("wrong merge gap %v", data.MergeGap)
	}
	if data.TranscribePool < 1 {
		return fmt.Errorf("wrong transcribe pool %d", data.TranscribePool)
	}
	if data.QueueSize < 1 {
		return fmt.Errorf("wrong queue size %d", data.QueueSize)
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, ev *messages.ProgressEvent) {}

type nopAuditor struct{}

func (nopAuditor) Transition(job *persistence.Job, from string) {}
