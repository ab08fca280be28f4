package messages

import (
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
)

const (
	st = "MEDSCRIBE/"
	// Diarize queue name
	Diarize = st + "Diarize"
	// Progress event stream name
	Progress = st + "Progress"
)

// DiarizeMessage asks worker to process the job, ID is the job ID
type DiarizeMessage struct {
	amessages.QueueMessage
	SessionID string    `json:"sessionId,omitempty"`
	Queued    time.Time `json:"queued"`
}

// NewDiarizeMessage creates queue message for job
func NewDiarizeMessage(jobID, sessionID string) *DiarizeMessage {
	return &DiarizeMessage{QueueMessage: amessages.QueueMessage{ID: jobID}, SessionID: sessionID, Queued: time.Now()}
}

// NewMessageFrom creates a copy of a message
func NewMessageFrom(m *DiarizeMessage) *DiarizeMessage {
	return &DiarizeMessage{QueueMessage: m.QueueMessage, SessionID: m.SessionID, Queued: m.Queued}
}

// ProgressEvent is emitted by worker in chunk index order, ID is the job ID
type ProgressEvent struct {
	amessages.QueueMessage
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	ChunkIndex      int       `json:"chunkIndex"`
	Skipped         bool      `json:"skipped,omitempty"`
	ProgressPercent int       `json:"progressPercent"`
	TotalChunks     int       `json:"totalChunks"`
	ProcessedChunks int       `json:"processedChunks"`
	SkippedChunks   int       `json:"skippedChunks"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}
