package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var errLockTimeout = errors.New("lock timeout")

// locker guards the whole store
type locker interface {
	// Lock returns unlock func
	Lock(ctx context.Context, exclusive bool) (func(), error)
}

// fileLocker uses flock on a shared lock file. Every call opens own descriptor,
// so goroutines of one process exclude each other as separate processes do.
type fileLocker struct {
	path    string
	timeout time.Duration
	poll    time.Duration
}

func newFileLocker(path string, timeout time.Duration) (*fileLocker, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("can't create lock file: %w", err)
	}
	_ = f.Close()
	poll := timeout / 20
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	if poll > 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	return &fileLocker{path: path, timeout: timeout, poll: poll}, nil
}

func (l *fileLocker) Lock(ctx context.Context, exclusive bool) (func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("can't open lock file: %w", err)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	deadline := time.Now().Add(l.timeout)
	for {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return func() {
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
				_ = f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("can't lock: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, errLockTimeout
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
