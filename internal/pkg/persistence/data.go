package persistence

import "time"

// Speaker labels assigned to chunks
const (
	SpeakerPatient   = "PATIENT"
	SpeakerClinician = "CLINICIAN"
	SpeakerUnknown   = "UNKNOWN"
)

type (

	//Job metadata record
	Job struct {
		ID              string     `json:"jobId"`
		SessionID       string     `json:"sessionId"`
		AudioPath       string     `json:"audioPath"`
		Language        string     `json:"language,omitempty"`
		Status          string     `json:"status"`
		ProgressPercent int        `json:"progressPercent"`
		TotalChunks     int        `json:"totalChunks"`
		ProcessedChunks int        `json:"processedChunks"`
		SkippedChunks   int        `json:"skippedChunks"`
		Created         time.Time  `json:"createdAt"`
		Updated         time.Time  `json:"updatedAt"`
		Completed       *time.Time `json:"completedAt,omitempty"`
		Error           string     `json:"errorMessage,omitempty"`
	}

	//ChunkResult is one processed chunk row
	ChunkResult struct {
		Index        int       `json:"chunkIndex"`
		Start        float64   `json:"startTime"`
		End          float64   `json:"endTime"`
		Text         string    `json:"text"`
		Speaker      string    `json:"speakerLabel"`
		Confidence   *float64  `json:"confidence,omitempty"`
		LatencyRatio float64   `json:"processingLatencyRatio"`
		Recorded     time.Time `json:"recordedAt"`
	}

	//DiarizedSegment is a merged speaker turn
	DiarizedSegment struct {
		Start   float64 `json:"startTime"`
		End     float64 `json:"endTime"`
		Speaker string  `json:"speakerLabel"`
		Text    string  `json:"text"`
	}

	//Result is the final job payload
	Result struct {
		Segments   []DiarizedSegment `json:"segments"`
		SoapStatus string            `json:"soapStatus,omitempty"`
		SoapError  string            `json:"soapError,omitempty"`
		Updated    time.Time         `json:"updatedAt"`
	}

	//JobSnapshot is a job with its result and chunk rows read at one point in time
	JobSnapshot struct {
		Job *Job
		// Result is nil until the job finishes or downstream status is saved
		Result *Result
		Chunks []ChunkResult
		// Partial keeps result or chunk read errors
		Partial error
	}

	//JobSummary is a list entry without chunk data
	JobSummary struct {
		ID              string    `json:"jobId"`
		SessionID       string    `json:"sessionId"`
		Status          string    `json:"status"`
		ProgressPercent int       `json:"progressPercent"`
		TotalChunks     int       `json:"totalChunks"`
		ProcessedChunks int       `json:"processedChunks"`
		Created         time.Time `json:"createdAt"`
		Updated         time.Time `json:"updatedAt"`
	}

	//StatusError is a structured error reported with job status
	StatusError struct {
		Component string `json:"component"`
		Code      string `json:"code"`
		Message   string `json:"message,omitempty"`
	}

	//JobStatusView is the externally reported job state
	JobStatusView struct {
		ID              string        `json:"jobId"`
		SessionID       string        `json:"sessionId"`
		Status          string        `json:"status"`
		ResolvedStatus  string        `json:"resolvedStatus"`
		ProgressPercent int           `json:"progressPercent"`
		TotalChunks     int           `json:"totalChunks"`
		ProcessedChunks int           `json:"processedChunks"`
		SkippedChunks   int           `json:"skippedChunks"`
		Chunks          []ChunkResult `json:"chunks"`
		Errors          []StatusError `json:"errors,omitempty"`
		ErrorMessage    string        `json:"errorMessage,omitempty"`
		Created         time.Time     `json:"createdAt"`
		Updated         time.Time     `json:"updatedAt"`
		Completed       *time.Time    `json:"completedAt,omitempty"`
	}
)

// Summary makes list entry from job
func (j *Job) Summary() JobSummary {
	return JobSummary{ID: j.ID, SessionID: j.SessionID, Status: j.Status, ProgressPercent: j.ProgressPercent,
		TotalChunks: j.TotalChunks, ProcessedChunks: j.ProcessedChunks, Created: j.Created, Updated: j.Updated}
}

// ValidSpeaker checks the label is one of known speakers
func ValidSpeaker(s string) bool {
	return s == SpeakerPatient || s == SpeakerClinician || s == SpeakerUnknown
}
