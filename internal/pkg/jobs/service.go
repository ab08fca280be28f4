package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/messages"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/resolver"
	"github.com/airenas/medscribe/internal/pkg/status"
	"github.com/airenas/medscribe/internal/pkg/store"
	"github.com/google/uuid"
)

// ErrInvalidInput is returned for wrong request params
var ErrInvalidInput = errors.New("invalid input")

// Store provides job persistence
type Store interface {
	InitJob(ctx context.Context, job *persistence.Job) error
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
	SaveJob(ctx context.Context, job *persistence.Job) error
	LoadSnapshot(ctx context.Context, id string) (*persistence.JobSnapshot, error)
	LoadResult(ctx context.Context, jobID string) (*persistence.Result, error)
	SaveDownstream(ctx context.Context, jobID, soapStatus, soapError string) error
	ListJobs(ctx context.Context, sessionID string, limit int) ([]*persistence.Job, error)
	Live(ctx context.Context) error
}

// Enqueuer passes jobs to the worker
type Enqueuer interface {
	Enqueue(m *messages.DiarizeMessage) error
}

// Auditor records status transitions
type Auditor interface {
	Transition(job *persistence.Job, from string)
}

// Options for the service
type Options struct {
	Language string
	// PersistReconciled makes status reads write the resolved status back
	PersistReconciled bool
	ListLimit         int
}

// Service is the entry point for job creation and status queries
type Service struct {
	store   Store
	queue   Enqueuer
	auditor Auditor
	opts    Options
}

// NewService creates jobs service, auditor may be nil
func NewService(st Store, queue Enqueuer, auditor Auditor, opts Options) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("no store")
	}
	if queue == nil {
		return nil, fmt.Errorf("no queue")
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 100
	}
	goapp.Log.Info().Str("language", opts.Language).Bool("persistReconciled", opts.PersistReconciled).
		Int("listLimit", opts.ListLimit).Msg("jobs")
	return &Service{store: st, queue: queue, auditor: auditor, opts: opts}, nil
}

// CreateJob stores a pending job and queues it for the worker
func (s *Service) CreateJob(ctx context.Context, sessionID, audioPath string) (*persistence.Job, error) {
	sessionID, audioPath = strings.TrimSpace(sessionID), strings.TrimSpace(audioPath)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no sessionId", ErrInvalidInput)
	}
	if audioPath == "" {
		return nil, fmt.Errorf("%w: no audioPath", ErrInvalidInput)
	}
	now := time.Now()
	job := &persistence.Job{ID: uuid.New().String(), SessionID: sessionID, AudioPath: audioPath,
		Language: s.opts.Language, Status: status.Pending.String(), Created: now, Updated: now}
	if err := s.store.InitJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrInvalidID) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("can't save job: %w", err)
	}
	s.audit(job, "")
	if err := s.queue.Enqueue(messages.NewDiarizeMessage(job.ID, job.SessionID)); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", job.ID).Msg("can't enqueue")
		job.Status = status.Failed.String()
		job.Error = fmt.Sprintf("can't enqueue: %v", err)
		job.Updated = time.Now()
		job.Completed = &job.Updated
		if sErr := s.store.SaveJob(ctx, job); sErr != nil {
			goapp.Log.Error().Err(sErr).Str("ID", job.ID).Msg("can't mark job failed")
		} else {
			s.audit(job, status.Pending.String())
		}
		return nil, fmt.Errorf("can't enqueue job: %w", err)
	}
	goapp.Log.Info().Str("ID", job.ID).Str("session", job.SessionID).Msg("job created")
	return job, nil
}

// GetJobStatus returns resolved job view with persisted chunks.
// Only a missing job is an error, other read failures give a partial view.
func (s *Service) GetJobStatus(ctx context.Context, id string) (*persistence.JobStatusView, error) {
	snap, err := s.store.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Partial != nil {
		goapp.Log.Warn().Err(snap.Partial).Str("ID", id).Msg("partial job read")
	}
	job := snap.Job
	view := resolver.Resolve(job, snap.Result)
	view.Chunks = visibleChunks(snap.Chunks, job.ProcessedChunks)
	if s.opts.PersistReconciled && resolver.NeedsPersist(job, view) {
		s.persist(ctx, job, view)
	}
	return view, nil
}

// visibleChunks hides a row appended before its job progress was saved
func visibleChunks(chunks []persistence.ChunkResult, processed int) []persistence.ChunkResult {
	if chunks == nil {
		return []persistence.ChunkResult{}
	}
	if processed >= 0 && len(chunks) > processed {
		return chunks[:processed]
	}
	return chunks
}

func (s *Service) persist(ctx context.Context, job *persistence.Job, view *persistence.JobStatusView) {
	from := job.Status
	job.Status = view.ResolvedStatus
	job.ProgressPercent = view.ProgressPercent
	job.Updated = time.Now()
	if err := s.store.SaveJob(ctx, job); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", job.ID).Msg("can't persist resolved status")
		return
	}
	goapp.Log.Info().Str("ID", job.ID).Str("status", job.Status).Msg("persisted resolved status")
	s.audit(job, from)
}

// ListJobs returns session jobs newest first, limit <= 0 takes the default
func (s *Service) ListJobs(ctx context.Context, sessionID string, limit int) ([]persistence.JobSummary, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: no sessionId", ErrInvalidInput)
	}
	if limit <= 0 || limit > s.opts.ListLimit {
		limit = s.opts.ListLimit
	}
	jobs, err := s.store.ListJobs(ctx, sessionID, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidID) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	res := make([]persistence.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		sum := j.Summary()
		sum.Status = status.Normalize(sum.Status)
		res = append(res, sum)
	}
	return res, nil
}

// GetResult returns merged segments of a finished job
func (s *Service) GetResult(ctx context.Context, id string) (*persistence.Result, error) {
	if _, err := s.store.LoadJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadResult(ctx, id)
}

// SaveDownstream records the note generation outcome for a completed job
func (s *Service) SaveDownstream(ctx context.Context, id, soapStatus, soapError string) error {
	soapStatus = strings.ToLower(strings.TrimSpace(soapStatus))
	if soapStatus == "" {
		return fmt.Errorf("%w: no soapStatus", ErrInvalidInput)
	}
	job, err := s.store.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if st := status.From(job.Status); st != status.Completed && st != status.CompletedWithErrors {
		return fmt.Errorf("%w: job is %s", ErrInvalidInput, job.Status)
	}
	return s.store.SaveDownstream(ctx, id, soapStatus, strings.TrimSpace(soapError))
}

// Live checks the store
func (s *Service) Live(ctx context.Context) error {
	return s.store.Live(ctx)
}

func (s *Service) audit(job *persistence.Job, from string) {
	if s.auditor != nil {
		s.auditor.Transition(job, from)
	}
}
