package clean

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/status"
	"go.uber.org/multierr"
)

// ErrActive is returned when deleting a job that is not finished
var ErrActive = errors.New("job is not finished")

// Store is job storage used by the cleaner
type Store interface {
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
	ListJobs(ctx context.Context, sessionID string, limit int) ([]*persistence.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// Auditor records deletions
type Auditor interface {
	Deleted(job *persistence.Job)
}

// Service deletes finished jobs on request or after expiration
type Service struct {
	store   Store
	auditor Auditor
	expire  time.Duration
	now     func() time.Time
}

// NewService creates cleaner, expire <= 0 disables the expiration
func NewService(store Store, auditor Auditor, expire time.Duration) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("no store")
	}
	return &Service{store: store, auditor: auditor, expire: expire, now: time.Now}, nil
}

// Clean deletes finished job data
func (s *Service) Clean(ctx context.Context, id string) error {
	job, err := s.store.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if !status.From(job.Status).IsTerminal() {
		return fmt.Errorf("%w: %s", ErrActive, job.Status)
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	goapp.Log.Info().Str("ID", id).Str("session", job.SessionID).Msg("deleted")
	if s.auditor != nil {
		s.auditor.Deleted(job)
	}
	return nil
}

// GetExpired returns finished jobs older than expire duration
func (s *Service) GetExpired(ctx context.Context) ([]string, error) {
	if s.expire <= 0 {
		return nil, nil
	}
	exp := s.now().Add(-s.expire)
	goapp.Log.Info().Time("older than", exp).Msg("selecting old jobs...")
	jobs, err := s.store.ListJobs(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("can't list jobs: %w", err)
	}
	res := []string{}
	for _, j := range jobs {
		if !status.From(j.Status).IsTerminal() {
			continue
		}
		at := j.Updated
		if j.Completed != nil {
			at = *j.Completed
		}
		if at.Before(exp) {
			res = append(res, j.ID)
		}
	}
	return res, nil
}

// StartTimer runs expiration every runEvery, returned channel is closed on exit
func (s *Service) StartTimer(ctx context.Context, runEvery time.Duration) (<-chan struct{}, error) {
	if runEvery <= 0 {
		return nil, fmt.Errorf("wrong run interval %v", runEvery)
	}
	goapp.Log.Info().Dur("every", runEvery).Dur("expire", s.expire).Msg("clean timer")
	res := make(chan struct{})
	go func() {
		defer close(res)
		ticker := time.NewTicker(runEvery)
		defer ticker.Stop()
		for {
			if err := s.cleanExpired(ctx); err != nil {
				goapp.Log.Error().Err(err).Msg("clean")
			}
			select {
			case <-ctx.Done():
				goapp.Log.Info().Msg("clean timer exit")
				return
			case <-ticker.C:
			}
		}
	}()
	return res, nil
}

func (s *Service) cleanExpired(ctx context.Context) error {
	ids, err := s.GetExpired(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, id := range ids {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		errs = multierr.Append(errs, s.Clean(ctx, id))
	}
	goapp.Log.Info().Int("count", len(ids)).Msg("expired jobs processed")
	return errs
}
