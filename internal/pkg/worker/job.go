package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/chunk"
	"github.com/airenas/medscribe/internal/pkg/merge"
	"github.com/airenas/medscribe/internal/pkg/messages"
	"github.com/airenas/medscribe/internal/pkg/metrics"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/status"
	"github.com/airenas/medscribe/internal/pkg/store"
	tapi "github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"golang.org/x/sync/errgroup"
)

var errStopped = errors.New("stopped")

type chunkOut struct {
	w       chunk.Window
	res     tapi.Result
	latency float64
	err     error
}

func (o *chunkOut) usable() bool {
	return o.err == nil && o.res.Usable()
}

func (o *chunkOut) failReason() string {
	if o.err != nil {
		return o.err.Error()
	}
	return fmt.Sprintf("%s: %s", o.res.Kind, o.res.Reason)
}

// jobRun keeps mutable state of one job execution
type jobRun struct {
	job       *persistence.Job
	file      string
	dir       string
	tr        tapi.Transcriber
	lastText  string
	lastIndex int
}

func (s *Service) processJob(ctx context.Context, id string) error {
	job, err := s.data.Store.LoadJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			goapp.Log.Warn().Str("ID", id).Msg("no job")
			return nil
		}
		return fmt.Errorf("can't load job: %w", err)
	}
	if status.From(job.Status).IsTerminal() {
		goapp.Log.Info().Str("ID", id).Str("status", job.Status).Msg("job already finished")
		return nil
	}
	if err := s.claim(ctx, job); err != nil {
		return err
	}

	file, cleanup, err := s.data.Source.Open(ctx, job.AudioPath)
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("audio not available: %v", err))
	}
	defer cleanup()

	st := time.Now()
	dur, err := s.data.Extractor.Duration(ctx, file)
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't read audio duration: %v", err))
	}
	windows, err := chunk.Plan(dur, s.data.ChunkLength, s.data.ChunkOverlap)
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't split audio (duration %.2fs): %v", dur, err))
	}
	metrics.RecordStage("plan", time.Since(st).Seconds())

	tr, srv, err := s.data.Transcriber.Pick()
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("transcription engine unavailable: %v", err))
	}
	if err := tr.Live(ctx); err != nil {
		return s.fail(ctx, job, fmt.Sprintf("transcription engine unavailable: %v", err))
	}
	goapp.Log.Info().Str("ID", id).Str("srv", srv).Float64("duration", dur).Int("chunks", len(windows)).Msg("planned")

	rows, err := s.data.Store.LoadChunks(ctx, id)
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't load chunks: %v", err))
	}
	run := &jobRun{job: job, file: file, tr: tr, lastIndex: -1}
	if l := len(rows); l > 0 {
		run.lastIndex = rows[l-1].Index
		run.lastText = rows[l-1].Text
		goapp.Log.Info().Str("ID", id).Int("from", run.lastIndex+1).Msg("resuming")
	}
	if job.TotalChunks > 0 && job.TotalChunks != len(windows) {
		goapp.Log.Warn().Str("ID", id).Int("was", job.TotalChunks).Int("now", len(windows)).Msg("chunk count changed")
	}
	job.TotalChunks = len(windows)
	job.ProcessedChunks = len(rows)
	job.SkippedChunks = run.lastIndex + 1 - len(rows)
	s.updateProgress(job)
	if err := s.saveJob(ctx, job); err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't save job: %v", err))
	}

	if run.lastIndex+1 < len(windows) {
		dir, err := os.MkdirTemp(s.data.WorkDir, "job-")
		if err != nil {
			return s.fail(ctx, job, fmt.Sprintf("can't create work dir: %v", err))
		}
		defer os.RemoveAll(dir)
		run.dir = dir
		if err := s.processChunks(ctx, run, windows[run.lastIndex+1:]); err != nil {
			if errors.Is(err, errStopped) {
				return err
			}
			return s.fail(ctx, job, err.Error())
		}
	}
	return s.complete(ctx, job)
}

// processChunks runs transcription over a bounded pool and persists results in index order
func (s *Service) processChunks(ctx context.Context, run *jobRun, windows []chunk.Window) error {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outs := make([]chan *chunkOut, len(windows))
	for i := range outs {
		outs[i] = make(chan *chunkOut, 1)
	}
	g := &errgroup.Group{}
	g.SetLimit(s.data.TranscribePool)
	scheduled := make(chan struct{})
	go func() {
		defer close(scheduled)
		for i, w := range windows {
			i, w := i, w
			g.Go(func() error {
				outs[i] <- s.transcribeChunk(jctx, run, w)
				return nil
			})
		}
	}()
	defer func() {
		cancel()
		<-scheduled
		_ = g.Wait()
	}()

	var prev *chunkOut
	for i := range windows {
		var next *chunkOut
		select {
		case next = <-outs[i]:
		case <-ctx.Done():
			return errStopped
		}
		if errors.Is(next.err, errStopped) {
			if prev != nil {
				if err := s.finishChunk(ctx, run, prev, ""); err != nil {
					return err
				}
			}
			return errStopped
		}
		if prev != nil {
			after := ""
			if next.usable() {
				after = next.res.Text
			}
			if err := s.finishChunk(ctx, run, prev, after); err != nil {
				return err
			}
			if s.stopped() {
				return errStopped
			}
		}
		prev = next
	}
	if prev != nil {
		return s.finishChunk(ctx, run, prev, "")
	}
	return nil
}

func (s *Service) transcribeChunk(ctx context.Context, run *jobRun, w chunk.Window) *chunkOut {
	res := &chunkOut{w: w}
	if s.stopped() || ctx.Err() != nil {
		res.err = errStopped
		return res
	}
	if !s.data.Gate.WaitIdle(ctx, s.stopped) {
		res.err = errStopped
		return res
	}
	st := time.Now()
	f, err := s.data.Extractor.Extract(ctx, run.file, w, run.dir)
	metrics.RecordStage("extract", time.Since(st).Seconds())
	if err != nil {
		res.err = fmt.Errorf("can't extract %s: %w", w, err)
		return res
	}
	defer os.Remove(f)
	tst := time.Now()
	res.res = run.tr.Transcribe(ctx, f, s.language(run.job), s.data.VAD)
	metrics.RecordStage("transcribe", time.Since(tst).Seconds())
	if d := w.Duration(); d > 0 {
		res.latency = time.Since(st).Seconds() / d
	}
	return res
}

// finishChunk classifies, persists the chunk and reports progress
func (s *Service) finishChunk(ctx context.Context, run *jobRun, o *chunkOut, after string) error {
	job := run.job
	if !o.usable() {
		metrics.RecordChunk(false)
		goapp.Log.Warn().Str("ID", job.ID).Int("chunk", o.w.Index).Str("reason", o.failReason()).Msg("chunk failed")
		if !s.data.SkipFailedChunks {
			return fmt.Errorf("chunk %d failed: %s", o.w.Index, o.failReason())
		}
		job.SkippedChunks++
		if err := s.saveJob(ctx, job); err != nil {
			return fmt.Errorf("can't save job: %w", err)
		}
		s.publish(ctx, job, o.w.Index, true)
		return nil
	}
	row := &persistence.ChunkResult{Index: o.w.Index, Start: o.w.Start, End: o.w.End, Text: o.res.Text,
		Speaker: persistence.SpeakerUnknown, Confidence: o.res.Confidence, LatencyRatio: o.latency, Recorded: time.Now()}
	if o.res.Kind == tapi.OK && o.res.Text != "" {
		st := time.Now()
		cr := s.data.Classifier.Classify(ctx, o.res.Text, run.lastText, after)
		metrics.RecordStage("classify", time.Since(st).Seconds())
		if persistence.ValidSpeaker(cr.Label) {
			row.Speaker = cr.Label
		}
		if cr.Reason != "" {
			goapp.Log.Debug().Str("ID", job.ID).Int("chunk", o.w.Index).Str("kind", cr.Kind.String()).
				Str("reason", cr.Reason).Msg("classifier")
		}
	}
	if err := s.data.Store.AppendChunk(ctx, job.ID, row); err != nil {
		return fmt.Errorf("can't store chunk %d: %w", o.w.Index, err)
	}
	metrics.RecordChunk(true)
	run.lastText = row.Text
	run.lastIndex = row.Index
	job.ProcessedChunks++
	s.updateProgress(job)
	if err := s.saveJob(ctx, job); err != nil {
		return fmt.Errorf("can't save job: %w", err)
	}
	goapp.Log.Info().Str("ID", job.ID).Int("chunk", o.w.Index).Int("progress", job.ProgressPercent).Msg("chunk done")
	s.publish(ctx, job, o.w.Index, false)
	return nil
}

func (s *Service) claim(ctx context.Context, job *persistence.Job) error {
	if status.From(job.Status) != status.Pending {
		return nil
	}
	from := job.Status
	job.Status = status.InProgress.String()
	if err := s.saveJob(ctx, job); err != nil {
		return fmt.Errorf("can't claim job: %w", err)
	}
	s.data.Auditor.Transition(job, from)
	return nil
}

func (s *Service) complete(ctx context.Context, job *persistence.Job) error {
	if job.ProcessedChunks == 0 {
		return s.fail(ctx, job, "no chunk could be transcribed")
	}
	rows, err := s.data.Store.LoadChunks(ctx, job.ID)
	if err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't load chunks: %v", err))
	}
	st := time.Now()
	res := &persistence.Result{Segments: merge.Merge(rows, s.data.MergeGap)}
	metrics.RecordStage("merge", time.Since(st).Seconds())
	if err := s.data.Store.SaveResult(ctx, job.ID, res); err != nil {
		return s.fail(ctx, job, fmt.Sprintf("can't save result: %v", err))
	}
	return s.finish(ctx, job, status.Completed, "")
}

func (s *Service) fail(ctx context.Context, job *persistence.Job, msg string) error {
	goapp.Log.Error().Str("ID", job.ID).Str("error", msg).Msg("job failed")
	if err := s.finish(ctx, job, status.Failed, msg); err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.New(msg)
}

func (s *Service) finish(ctx context.Context, job *persistence.Job, st status.Status, msg string) error {
	from := job.Status
	now := time.Now()
	job.Status = st.String()
	job.Error = msg
	job.Completed = &now
	if st == status.Completed {
		job.ProgressPercent = 100
	}
	if err := s.saveJob(ctx, job); err != nil {
		goapp.Log.Error().Err(err).Str("ID", job.ID).Msg("can't save final status")
		return err
	}
	metrics.JobsTotal.WithLabelValues(job.Status).Inc()
	s.data.Auditor.Transition(job, from)
	s.publish(ctx, job, job.TotalChunks-1, false)
	goapp.Log.Info().Str("ID", job.ID).Str("status", job.Status).Int("processed", job.ProcessedChunks).
		Int("skipped", job.SkippedChunks).Int("total", job.TotalChunks).Msg("job finished")
	return nil
}

func (s *Service) saveJob(ctx context.Context, job *persistence.Job) error {
	job.Updated = time.Now()
	return s.data.Store.SaveJob(ctx, job)
}

// updateProgress recomputes percent, it never decreases
func (s *Service) updateProgress(job *persistence.Job) {
	if job.TotalChunks <= 0 {
		return
	}
	p := int(math.Round(float64(job.ProcessedChunks) / float64(job.TotalChunks) * 100))
	if p > 100 {
		p = 100
	}
	if p > job.ProgressPercent {
		job.ProgressPercent = p
	}
}

func (s *Service) publish(ctx context.Context, job *persistence.Job, index int, skipped bool) {
	s.data.Publisher.Publish(ctx, &messages.ProgressEvent{QueueMessage: amessages.QueueMessage{ID: job.ID},
		SessionID: job.SessionID, Status: job.Status, ChunkIndex: index, Skipped: skipped,
		ProgressPercent: job.ProgressPercent, TotalChunks: job.TotalChunks, ProcessedChunks: job.ProcessedChunks,
		SkippedChunks: job.SkippedChunks, Error: job.Error, At: time.Now()})
}

func (s *Service) language(job *persistence.Job) string {
	if job.Language != "" {
		return job.Language
	}
	return s.data.Language
}
