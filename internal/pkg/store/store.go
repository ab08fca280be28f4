package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/metrics"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/status"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
)

const (
	jobFile    = "job.json"
	chunksFile = "chunks.bin"
	resultFile = "result.json"
	lockFile   = ".store.lock"
)

var (
	// ErrNotFound is returned when job or result does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when store can not be read
	ErrUnavailable = errors.New("store unavailable")
	// ErrStorage is returned when write fails after all retries
	ErrStorage = errors.New("storage failure")
	// ErrChunkOrder is returned when appended chunk index is not increasing
	ErrChunkOrder = errors.New("chunk index out of order")
	// ErrTransition is returned on not allowed status change
	ErrTransition = errors.New("status transition not allowed")
	// ErrInvalidID is returned for ids that can't be used as a dir name
	ErrInvalidID = errors.New("wrong id")
)

// Options for the store
type Options struct {
	Root          string
	LockTimeout   time.Duration
	RetryBase     time.Duration
	RetryAttempts int
}

// DefaultOptions returns store defaults for root dir
func DefaultOptions(root string) Options {
	return Options{Root: root, LockTimeout: 2 * time.Second, RetryBase: 150 * time.Millisecond, RetryAttempts: 5}
}

// Store keeps jobs in <root>/<sessionId>/<jobId>/ dirs guarded by one flock file
type Store struct {
	opts   Options
	locker locker
	sync   func(f *os.File) error
}

// New creates store, makes root dir if needed
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("no store root")
	}
	if opts.LockTimeout <= 0 {
		return nil, fmt.Errorf("wrong lock timeout %v", opts.LockTimeout)
	}
	if opts.RetryBase <= 0 {
		return nil, fmt.Errorf("wrong retry base %v", opts.RetryBase)
	}
	if opts.RetryAttempts < 1 {
		return nil, fmt.Errorf("wrong retry attempts %d", opts.RetryAttempts)
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("can't create store root: %w", err)
	}
	l, err := newFileLocker(filepath.Join(opts.Root, lockFile), opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	goapp.Log.Info().Str("root", opts.Root).Dur("lockTimeout", opts.LockTimeout).
		Dur("retryBase", opts.RetryBase).Int("attempts", opts.RetryAttempts).Msg("store")
	return &Store{opts: opts, locker: l, sync: (*os.File).Sync}, nil
}

// InitJob creates job dir and metadata. Does nothing if job already exists.
func (s *Store) InitJob(ctx context.Context, job *persistence.Job) error {
	if err := validID(job.ID); err != nil {
		return err
	}
	if err := validID(job.SessionID); err != nil {
		return err
	}
	return s.do(ctx, "init", true, func() error {
		dir := s.jobDir(job.SessionID, job.ID)
		if _, err := os.Stat(filepath.Join(dir, jobFile)); err == nil {
			goapp.Log.Debug().Str("ID", job.ID).Msg("job exists")
			return nil
		}
		if d, err := s.findJobDir(job.ID); err == nil && d != dir {
			return backoff.Permanent(fmt.Errorf("job %s exists in other session", job.ID))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("can't create job dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, chunksFile), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("can't create chunks file: %w", err)
		}
		_ = f.Close()
		return writeJSON(filepath.Join(dir, jobFile), job)
	})
}

// LoadJob reads job metadata
func (s *Store) LoadJob(ctx context.Context, id string) (*persistence.Job, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var res *persistence.Job
	err := s.do(ctx, "loadJob", false, func() error {
		dir, err := s.findJobDir(id)
		if err != nil {
			return err
		}
		res = &persistence.Job{}
		return readJSON(filepath.Join(dir, jobFile), res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SaveJob replaces job metadata, status change must be allowed
func (s *Store) SaveJob(ctx context.Context, job *persistence.Job) error {
	if err := validID(job.ID); err != nil {
		return err
	}
	return s.do(ctx, "saveJob", true, func() error {
		dir, err := s.findJobDir(job.ID)
		if err != nil {
			return err
		}
		old := &persistence.Job{}
		if err := readJSON(filepath.Join(dir, jobFile), old); err != nil {
			return err
		}
		if old.SessionID != job.SessionID {
			return backoff.Permanent(fmt.Errorf("session mismatch %s != %s", old.SessionID, job.SessionID))
		}
		if !status.CanMove(status.From(old.Status), status.From(job.Status)) {
			return backoff.Permanent(fmt.Errorf("%w: %s -> %s", ErrTransition, old.Status, job.Status))
		}
		return writeJSON(filepath.Join(dir, jobFile), job)
	})
}

// AppendChunk adds chunk row. Appending the last stored index again is a no-op.
func (s *Store) AppendChunk(ctx context.Context, jobID string, c *persistence.ChunkResult) error {
	if err := validID(jobID); err != nil {
		return err
	}
	row, err := encodeRow(c)
	if err != nil {
		return fmt.Errorf("can't encode chunk: %w", err)
	}
	return s.do(ctx, "append", true, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		return s.appendRow(filepath.Join(dir, chunksFile), c.Index, row)
	})
}

// appendRow writes the row after the last complete one. A row left by an attempt
// that failed after writing is detected by its index and only synced again.
func (s *Store) appendRow(file string, index int, row []byte) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("can't open chunks: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("can't stat chunks: %w", err)
	}
	size := st.Size()
	if torn := size % RowSize; torn != 0 {
		goapp.Log.Warn().Str("file", file).Int64("bytes", torn).Msg("truncating torn tail")
		size -= torn
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("can't truncate chunks: %w", err)
		}
	}
	if size > 0 {
		b := make([]byte, 4)
		if _, err := f.ReadAt(b, size-RowSize+offIndex); err != nil {
			return fmt.Errorf("can't read last row: %w", err)
		}
		last := int(int32(le.Uint32(b)))
		if last == index {
			goapp.Log.Debug().Int("index", index).Msg("chunk already stored")
			return s.syncRows(f)
		}
		if last > index {
			return backoff.Permanent(fmt.Errorf("%w: %d after %d", ErrChunkOrder, index, last))
		}
	}
	if _, err := f.WriteAt(row, size); err != nil {
		return fmt.Errorf("can't write row: %w", err)
	}
	return s.syncRows(f)
}

func (s *Store) syncRows(f *os.File) error {
	if err := s.sync(f); err != nil {
		return fmt.Errorf("can't sync chunks: %w", err)
	}
	return nil
}

// LoadChunks reads all complete chunk rows
func (s *Store) LoadChunks(ctx context.Context, jobID string) ([]persistence.ChunkResult, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	var res []persistence.ChunkResult
	err := s.do(ctx, "loadChunks", false, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		res, err = readChunks(filepath.Join(dir, chunksFile))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func readChunks(file string) ([]persistence.ChunkResult, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []persistence.ChunkResult{}, nil
		}
		return nil, fmt.Errorf("can't read chunks: %w", err)
	}
	res, err := decodeRows(b)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("can't decode chunks: %w", err))
	}
	return res, nil
}

// LoadSnapshot reads job metadata, result and chunk rows under one shared lock.
// Only a job read failure is an error, result or chunk failures are kept in Partial.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*persistence.JobSnapshot, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var res *persistence.JobSnapshot
	err := s.do(ctx, "loadSnapshot", false, func() error {
		dir, err := s.findJobDir(id)
		if err != nil {
			return err
		}
		job := &persistence.Job{}
		if err := readJSON(filepath.Join(dir, jobFile), job); err != nil {
			return err
		}
		res = &persistence.JobSnapshot{Job: job}
		if res.Result, err = readResult(filepath.Join(dir, resultFile)); err != nil && !errors.Is(err, ErrNotFound) {
			res.Partial = multierr.Append(res.Partial, unwrapPermanent(err))
		}
		if res.Chunks, err = readChunks(filepath.Join(dir, chunksFile)); err != nil {
			res.Partial = multierr.Append(res.Partial, unwrapPermanent(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SaveResult writes final segments, downstream fields already stored are kept
func (s *Store) SaveResult(ctx context.Context, jobID string, r *persistence.Result) error {
	if err := validID(jobID); err != nil {
		return err
	}
	return s.do(ctx, "saveResult", true, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		file := filepath.Join(dir, resultFile)
		res := *r
		old, err := readResult(file)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if old != nil && res.SoapStatus == "" {
			res.SoapStatus, res.SoapError = old.SoapStatus, old.SoapError
		}
		if res.Segments == nil {
			res.Segments = []persistence.DiarizedSegment{}
		}
		res.Updated = time.Now()
		return writeJSON(file, &res)
	})
}

// SaveDownstream records note generation outcome, segments are kept
func (s *Store) SaveDownstream(ctx context.Context, jobID, soapStatus, soapError string) error {
	if err := validID(jobID); err != nil {
		return err
	}
	return s.do(ctx, "saveDownstream", true, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		file := filepath.Join(dir, resultFile)
		res, err := readResult(file)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			res = &persistence.Result{Segments: []persistence.DiarizedSegment{}}
		}
		res.SoapStatus, res.SoapError = soapStatus, soapError
		res.Updated = time.Now()
		return writeJSON(file, res)
	})
}

// LoadResult reads result payload
func (s *Store) LoadResult(ctx context.Context, jobID string) (*persistence.Result, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	var res *persistence.Result
	err := s.do(ctx, "loadResult", false, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		res, err = readResult(filepath.Join(dir, resultFile))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListJobs returns jobs newest first, all sessions if sessionID is empty.
// limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, sessionID string, limit int) ([]*persistence.Job, error) {
	session := "*"
	if sessionID != "" {
		if err := validID(sessionID); err != nil {
			return nil, err
		}
		session = sessionID
	}
	var res []*persistence.Job
	err := s.do(ctx, "list", false, func() error {
		files, err := filepath.Glob(filepath.Join(s.opts.Root, session, "*", jobFile))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("can't list: %w", err))
		}
		res = make([]*persistence.Job, 0, len(files))
		for _, f := range files {
			j := &persistence.Job{}
			if err := readJSON(f, j); err != nil {
				goapp.Log.Warn().Err(err).Str("file", f).Msg("skip job")
				continue
			}
			res = append(res, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Created.Equal(res[j].Created) {
			return res[i].ID > res[j].ID
		}
		return res[i].Created.After(res[j].Created)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// DeleteJob removes the job dir with all its data, and the session dir if it becomes empty
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if err := validID(jobID); err != nil {
		return err
	}
	return s.do(ctx, "delete", true, func() error {
		dir, err := s.findJobDir(jobID)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("can't delete %s: %w", jobID, err)
		}
		sDir := filepath.Dir(dir)
		if left, err := os.ReadDir(sDir); err == nil && len(left) == 0 {
			_ = os.Remove(sDir)
		}
		return nil
	})
}

// Live checks the store root is accessible and lockable
func (s *Store) Live(ctx context.Context) error {
	if _, err := os.Stat(s.opts.Root); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	unlock, err := s.locker.Lock(ctx, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	unlock()
	return nil
}

// do runs f under the store lock, retrying transient failures
func (s *Store) do(ctx context.Context, op string, exclusive bool, f func() error) error {
	var permanent bool
	err := backoff.RetryNotify(func() error {
		unlock, err := s.locker.Lock(ctx, exclusive)
		if err != nil {
			if ctx.Err() != nil {
				permanent = true
				return backoff.Permanent(err)
			}
			return err
		}
		defer unlock()
		err = f()
		var pErr *backoff.PermanentError
		if errors.As(err, &pErr) || errors.Is(err, ErrNotFound) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(s.newBackoff(), ctx), func(err error, d time.Duration) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		goapp.Log.Warn().Err(err).Str("op", op).Dur("wait", d).Msg("store retry")
	})
	if err == nil || permanent {
		return unwrapPermanent(err)
	}
	if ctx.Err() != nil {
		return err
	}
	if exclusive {
		return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func unwrapPermanent(err error) error {
	var pErr *backoff.PermanentError
	for errors.As(err, &pErr) {
		err = pErr.Err
	}
	return err
}

func (s *Store) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBase
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = s.opts.RetryBase * 16
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(s.opts.RetryAttempts-1))
}

func (s *Store) jobDir(sessionID, jobID string) string {
	return filepath.Join(s.opts.Root, sessionID, jobID)
}

func (s *Store) findJobDir(jobID string) (string, error) {
	files, err := filepath.Glob(filepath.Join(s.opts.Root, "*", jobID, jobFile))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("can't search job: %w", err))
	}
	if len(files) == 0 {
		return "", fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return filepath.Dir(files[0]), nil
}

func validID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\*?[]`) {
		return fmt.Errorf("%w '%s'", ErrInvalidID, id)
	}
	return nil
}

func readResult(file string) (*persistence.Result, error) {
	res := &persistence.Result{}
	if err := readJSON(file, res); err != nil {
		return nil, err
	}
	return res, nil
}

func readJSON(file string, v interface{}) error {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(file), ErrNotFound)
		}
		return fmt.Errorf("can't open %s: %w", file, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("can't read %s: %w", file, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("can't decode %s: %w", file, err)
	}
	return nil
}

// writeJSON replaces file atomically via temp file rename
func writeJSON(file string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("can't marshal: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), ".tmp-*")
	if err != nil {
		return fmt.Errorf("can't create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't close temp file: %w", err)
	}
	if err := os.Rename(tmpName, file); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't rename temp file: %w", err)
	}
	return nil
}
