package status

import "strings"

//Status represents diarization job status
type Status int

const (
	// Pending - created, waiting for worker
	Pending Status = iota + 1
	// InProgress - claimed by worker
	InProgress
	// Completed - final step
	Completed
	// CompletedWithErrors - completed but a downstream step failed
	CompletedWithErrors
	// Failed - final step
	Failed
)

var (
	statusName = map[Status]string{Pending: "pending", InProgress: "in_progress", Completed: "completed",
		CompletedWithErrors: "completed_with_errors", Failed: "failed"}
	nameStatus = map[string]Status{"pending": Pending, "in_progress": InProgress, "completed": Completed,
		"completed_with_errors": CompletedWithErrors, "failed": Failed, "error": Failed}
)

func (st Status) String() string {
	return statusName[st]
}

// From returns status obj from string
func From(st string) Status {
	return nameStatus[strings.ToLower(strings.TrimSpace(st))]
}

// Normalize maps raw status string to the reported one.
// Synonyms of failure collapse to failed, unknown values are lower-cased.
func Normalize(st string) string {
	if s := From(st); s > 0 {
		return s.String()
	}
	return strings.ToLower(strings.TrimSpace(st))
}

// IsTerminal returns true if no more transitions are expected
func (st Status) IsTerminal() bool {
	return st == Completed || st == CompletedWithErrors || st == Failed
}

// CanMove checks if job status can be changed from -> to
func CanMove(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case 0:
		return to == Pending
	case Pending:
		return to == InProgress || to == Failed
	case InProgress:
		return to.IsTerminal()
	case Completed:
		return to == CompletedWithErrors
	}
	return false
}
