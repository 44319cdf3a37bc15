// Package lifecycle implements single-instance enforcement and orderly
// shutdown: an exclusive advisory PID-file lock taken via
// golang.org/x/sys/unix.Flock (the standard library has no flock(2)
// wrapper), plus SIGINT/SIGTERM/SIGHUP-triggered shutdown with SIGPIPE
// ignored.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is an acquired, held PID-file lock. Release must be called once,
// during shutdown.
type Lock struct {
	path string
	file *os.File
}

// Acquire opens (creating if necessary) the PID file at path and takes a
// non-blocking exclusive flock on it. On success the file is truncated
// and the current PID written to it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("locking pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release unlocks and closes the PID file and removes it from disk.
func (l *Lock) Release() error {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	return os.Remove(l.path)
}

// NotifyShutdown returns a context canceled on receipt of SIGINT, SIGTERM,
// or SIGHUP, and a stop function the caller should defer to release the
// underlying signal channel. SIGPIPE is ignored for the process, since
// broken-socket writes are handled at the dispatcher layer rather than
// terminating the daemon.
func NotifyShutdown() (ctx context.Context, stop func()) {
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
