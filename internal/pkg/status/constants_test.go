package status

import (
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		name string
		st   Status
		want string
	}{
		{st: Pending, want: "pending"},
		{st: InProgress, want: "in_progress"},
		{st: Completed, want: "completed"},
		{st: CompletedWithErrors, want: "completed_with_errors"},
		{st: Failed, want: "failed"},
		{st: 0, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.st.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrom(t *testing.T) {
	tests := []struct {
		args string
		want Status
	}{
		{args: "completed", want: Completed},
		{args: "olia", want: 0},
		{args: "in_progress", want: InProgress},
		{args: "PENDING", want: Pending},
		{args: "error", want: Failed},
		{args: " Failed ", want: Failed},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			if got := From(tt.args); got != tt.want {
				t.Errorf("From() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{args: "ERROR", want: "failed"},
		{args: "failed", want: "failed"},
		{args: "Completed", want: "completed"},
		{args: "Queued", want: "queued"},
		{args: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			if got := Normalize(tt.args); got != tt.want {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanMove(t *testing.T) {
	tests := []struct {
		name     string
		from, to Status
		want     bool
	}{
		{name: "create", from: 0, to: Pending, want: true},
		{name: "claim", from: Pending, to: InProgress, want: true},
		{name: "input fail", from: Pending, to: Failed, want: true},
		{name: "complete", from: InProgress, to: Completed, want: true},
		{name: "fail", from: InProgress, to: Failed, want: true},
		{name: "reconcile", from: Completed, to: CompletedWithErrors, want: true},
		{name: "same", from: InProgress, to: InProgress, want: true},
		{name: "skip claim", from: Pending, to: Completed, want: false},
		{name: "reopen", from: Failed, to: InProgress, want: false},
		{name: "back", from: Completed, to: InProgress, want: false},
		{name: "failed to completed", from: Failed, to: Completed, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanMove(tt.from, tt.to); got != tt.want {
				t.Errorf("CanMove() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	if Pending.IsTerminal() || InProgress.IsTerminal() {
		t.Errorf("IsTerminal() = true for non final status")
	}
	if !Completed.IsTerminal() || !CompletedWithErrors.IsTerminal() || !Failed.IsTerminal() {
		t.Errorf("IsTerminal() = false for final status")
	}
}
