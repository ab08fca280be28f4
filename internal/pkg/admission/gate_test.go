package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/airenas/medscribe/internal/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqSampler struct {
	lock   sync.Mutex
	values []float64
	errs   []error
	calls  int
}

func (s *seqSampler) Sample(ctx context.Context, interval time.Duration) (float64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	if i >= len(s.values) {
		return s.values[len(s.values)-1], nil
	}
	return s.values[i], nil
}

func testConfig() Config {
	return Config{Interval: time.Millisecond, Window: 3 * time.Millisecond, Threshold: 50, BusySleep: time.Millisecond}
}

func newTestGate(t *testing.T, s Sampler) *Gate {
	t.Helper()
	g, err := NewGate(s, testConfig())
	require.Nil(t, err)
	return g
}

func TestIsIdle_Busy(t *testing.T) {
	g := newTestGate(t, &seqSampler{values: []float64{40, 40, 40}})
	assert.False(t, g.IsIdle(test.Ctx(t)))
}

func TestIsIdle_Idle(t *testing.T) {
	s := &seqSampler{values: []float64{60, 60, 60}}
	g := newTestGate(t, s)
	assert.True(t, g.IsIdle(test.Ctx(t)))
	assert.Equal(t, 3, s.calls)
}

func TestIsIdle_Average(t *testing.T) {
	g := newTestGate(t, &seqSampler{values: []float64{20, 60, 70}})
	assert.True(t, g.IsIdle(test.Ctx(t)))
	g = newTestGate(t, &seqSampler{values: []float64{20, 60, 69}})
	assert.False(t, g.IsIdle(test.Ctx(t)))
}

func TestIsIdle_SkipsErrors(t *testing.T) {
	g := newTestGate(t, &seqSampler{values: []float64{0, 30, 30}, errs: []error{fmt.Errorf("olia")}})
	assert.False(t, g.IsIdle(test.Ctx(t)))
}

func TestIsIdle_AllErrors(t *testing.T) {
	err := fmt.Errorf("olia")
	g := newTestGate(t, &seqSampler{values: []float64{0}, errs: []error{err, err, err}})
	assert.True(t, g.IsIdle(test.Ctx(t)))
}

func TestWaitIdle_Rechecks(t *testing.T) {
	s := &seqSampler{values: []float64{10, 10, 10, 10, 10, 10, 90, 90, 90}}
	g := newTestGate(t, s)
	assert.True(t, g.WaitIdle(test.Ctx(t), func() bool { return false }))
	assert.Equal(t, 9, s.calls)
}

func TestWaitIdle_Stop(t *testing.T) {
	s := &seqSampler{values: []float64{10}}
	g := newTestGate(t, s)
	n := 0
	assert.False(t, g.WaitIdle(test.Ctx(t), func() bool { n++; return n > 2 }))
	assert.Equal(t, 6, s.calls)
}

func TestWaitIdle_Ctx(t *testing.T) {
	g := newTestGate(t, &seqSampler{values: []float64{10}})
	ctx, cf := context.WithCancel(test.Ctx(t))
	cf()
	assert.False(t, g.WaitIdle(ctx, func() bool { return false }))
}

func TestNewGate(t *testing.T) {
	s := &seqSampler{values: []float64{10}}
	tests := []struct {
		name    string
		s       Sampler
		cfg     Config
		wantErr bool
	}{
		{name: "OK", s: s, cfg: DefaultConfig(), wantErr: false},
		{name: "no sampler", s: nil, cfg: DefaultConfig(), wantErr: true},
		{name: "interval", s: s, cfg: Config{Interval: 0, Window: time.Second, Threshold: 50, BusySleep: time.Second}, wantErr: true},
		{name: "window", s: s, cfg: Config{Interval: time.Second, Window: time.Millisecond, Threshold: 50, BusySleep: time.Second}, wantErr: true},
		{name: "threshold", s: s, cfg: Config{Interval: time.Second, Window: time.Second, Threshold: 101, BusySleep: time.Second}, wantErr: true},
		{name: "sleep", s: s, cfg: Config{Interval: time.Second, Window: time.Second, Threshold: 50}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGate(tt.s, tt.cfg); (err != nil) != tt.wantErr {
				t.Errorf("NewGate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	g, _ := NewGate(s, DefaultConfig())
	assert.Equal(t, 10, g.samples)
}

func Test_idlePercent(t *testing.T) {
	v, err := idlePercent(25, 100)
	assert.Nil(t, err)
	assert.Equal(t, 25.0, v)
	_, err = idlePercent(0, 0)
	assert.NotNil(t, err)
	v, _ = idlePercent(200, 100)
	assert.Equal(t, 100.0, v)
}
