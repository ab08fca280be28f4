package utils

import (
	"testing"
)

func TestRunPerfEndpoint_NoPort(t *testing.T) {
	RunPerfEndpoint(0)
	RunPerfEndpoint(-1)
}
