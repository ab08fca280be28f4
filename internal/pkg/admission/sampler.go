package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler measures idle time from /proc/stat
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler creates sampler on default /proc mount
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("can't open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample implements Sampler
func (s *ProcSampler) Sample(ctx context.Context, interval time.Duration) (float64, error) {
	idle0, total0, err := s.read()
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(interval):
	}
	idle1, total1, err := s.read()
	if err != nil {
		return 0, err
	}
	return idlePercent(idle1-idle0, total1-total0)
}

func (s *ProcSampler) read() (float64, float64, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("can't read stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	total := idle + c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return idle, total, nil
}

func idlePercent(idle, total float64) (float64, error) {
	if total <= 0 {
		return 0, fmt.Errorf("no cpu time passed")
	}
	res := idle / total * 100
	if res < 0 {
		return 0, nil
	}
	if res > 100 {
		return 100, nil
	}
	return res, nil
}
