package resolver

import (
	"strings"

	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/airenas/medscribe/internal/pkg/status"
)

const (
	// ComponentSoap names the downstream note generator
	ComponentSoap = "soap_note"
	// ComponentWorker names the diarization worker
	ComponentWorker = "diarization"
	// CodeDownstreamFailed is reported when the note generation failed
	CodeDownstreamFailed = "DOWNSTREAM_FAILED"
	// CodeJobFailed is reported for failed jobs
	CodeJobFailed = "JOB_FAILED"
)

var soapFailures = map[string]bool{"failed": true, "error": true}

// Resolve makes an externally consistent view of the job.
// Input is not modified, so repeated calls return equal views.
func Resolve(job *persistence.Job, result *persistence.Result) *persistence.JobStatusView {
	raw := status.Normalize(job.Status)
	res := &persistence.JobStatusView{
		ID:              job.ID,
		SessionID:       job.SessionID,
		Status:          raw,
		ResolvedStatus:  raw,
		ProgressPercent: clamp(job.ProgressPercent),
		TotalChunks:     job.TotalChunks,
		ProcessedChunks: job.ProcessedChunks,
		SkippedChunks:   job.SkippedChunks,
		ErrorMessage:    job.Error,
		Created:         job.Created,
		Updated:         job.Updated,
		Completed:       job.Completed,
	}
	switch status.From(raw) {
	case status.Completed:
		res.ProgressPercent = 100
		if result != nil && soapFailures[strings.ToLower(strings.TrimSpace(result.SoapStatus))] {
			res.ResolvedStatus = status.CompletedWithErrors.String()
			res.Errors = []persistence.StatusError{{Component: ComponentSoap, Code: CodeDownstreamFailed,
				Message: soapMessage(result)}}
		}
	case status.CompletedWithErrors:
		res.ProgressPercent = 100
		if result != nil && (result.SoapError != "" || soapFailures[strings.ToLower(strings.TrimSpace(result.SoapStatus))]) {
			res.Errors = []persistence.StatusError{{Component: ComponentSoap, Code: CodeDownstreamFailed,
				Message: soapMessage(result)}}
		}
	case status.Failed:
		if job.Error != "" {
			res.Errors = []persistence.StatusError{{Component: ComponentWorker, Code: CodeJobFailed, Message: job.Error}}
		}
	}
	return res
}

// NeedsPersist returns true if the view differs from the stored job status
func NeedsPersist(job *persistence.Job, view *persistence.JobStatusView) bool {
	return status.From(view.ResolvedStatus) == status.CompletedWithErrors &&
		status.From(job.Status) == status.Completed
}

func soapMessage(r *persistence.Result) string {
	if r.SoapError != "" {
		return r.SoapError
	}
	return "note generation " + strings.ToLower(strings.TrimSpace(r.SoapStatus))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
