package audit

import (
	"io"
	"time"

	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes job status transitions as json lines
type Logger struct {
	log    zerolog.Logger
	closer io.Closer
}

// New creates audit logger writing into rotated file
func New(path string, maxSizeMB, maxBackups, maxAgeDays int) *Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	res := NewWriter(w)
	res.closer = w
	return res
}

// NewWriter creates audit logger for any writer
func NewWriter(w io.Writer) *Logger {
	return &Logger{log: zerolog.New(w).With().Timestamp().Logger()}
}

// Transition records job status change
func (l *Logger) Transition(job *persistence.Job, from string) {
	ev := l.log.Log().Str("jobId", job.ID).Str("sessionId", job.SessionID).
		Str("from", from).Str("to", job.Status).
		Int("progress", job.ProgressPercent).Int("total", job.TotalChunks).
		Int("processed", job.ProcessedChunks).Int("skipped", job.SkippedChunks)
	if job.Error != "" {
		ev = ev.Str("error", job.Error)
	}
	if job.Completed != nil {
		ev = ev.Dur("took", job.Completed.Sub(job.Created))
	}
	ev.Time("at", time.Now().UTC()).Msg("transition")
}

// Deleted records removal of job data
func (l *Logger) Deleted(job *persistence.Job) {
	l.log.Log().Str("jobId", job.ID).Str("sessionId", job.SessionID).Str("status", job.Status).
		Time("at", time.Now().UTC()).Msg("deleted")
}

// Close closes the file
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
