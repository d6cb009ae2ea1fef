// Package transport owns the connection process whose stdin carries the replication stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/file-replicator/internal/archive"
)

const (
	DefaultStartupProbe    = 250 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
)

var (
	// ErrTransport marks every failure of the connection process: it could not be started,
	// exited, or stopped draining its input. It is fatal for the session.
	ErrTransport         = errors.New("transport failure")
	ErrClosed            = errors.New("transport closed")
	ErrArchiveInProgress = errors.New("archive already in progress")
	ErrInterrupted       = errors.New("transport interrupted")
)

type Options struct {
	// Command is the connection command, e.g. ["ssh", "host", "bash"]. It must start a shell
	// reading commands from stdin.
	Command       []string
	DestParentDir string
	SourceName    string
	CleanOutFirst bool

	// Stdout and Stderr receive the output of the connection process. Discarded when nil.
	Stdout io.Writer
	Stderr io.Writer

	// StartupProbe is how long Start waits for an early exit of the connection process.
	StartupProbe time.Duration
	// ShutdownTimeout bounds how long Close waits before killing the process tree.
	ShutdownTimeout time.Duration
}

// Transport is a write-only byte sink backed by the stdin of the connection process.
// Writes block while the remote side is slow to drain, which is the only flow control.
type Transport struct {
	opts  Options
	cmd   *exec.Cmd
	stdin io.WriteCloser

	exited   chan struct{}
	exitCode int
	exitErr  error

	mu          sync.Mutex
	active      *archive.Writer
	closed      bool
	interrupted atomic.Bool
	written     atomic.Int64

	interruptOnce sync.Once
	closeOnce     sync.Once
	closeErr      error
}

// Start spawns the connection command, sends the receiver script and checks that the process
// survives StartupProbe. A process that exits early is reported as ErrTransport.
func Start(ctx context.Context, opts Options) (*Transport, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: empty connection command", ErrTransport)
	}
	if opts.StartupProbe <= 0 {
		opts.StartupProbe = DefaultStartupProbe
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.SysProcAttr = getSysProcAttr()
	cmd.WaitDelay = opts.ShutdownTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrTransport, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %w", ErrTransport, opts.Command[0], err)
	}
	slog.Info("transport start", "command", opts.Command, "pid", cmd.Process.Pid)

	t := &Transport{
		opts:   opts,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go t.monitor()

	script := ReceiverScript(opts.DestParentDir, opts.SourceName, opts.CleanOutFirst)
	if _, err := t.Write([]byte(script)); err != nil {
		t.Close()
		return nil, err
	}

	probe := time.NewTimer(opts.StartupProbe)
	defer probe.Stop()

	select {
	case <-t.exited:
		t.Close()
		return nil, t.exitError()
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	case <-probe.C:
	}

	return t, nil
}

// monitor waits for the process and publishes its exit status.
func (t *Transport) monitor() {
	err := t.cmd.Wait()
	t.exitCode = t.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.exitCode = exitErr.ExitCode()
		}
	}
	t.exitErr = err
	close(t.exited)
	slog.Debug("transport process exited", "pid", t.cmd.Process.Pid, "code", t.exitCode)
}

// Write sends p to the remote shell. Any failure is wrapped in ErrTransport.
func (t *Transport) Write(p []byte) (int, error) {
	select {
	case <-t.exited:
		return 0, t.exitError()
	default:
	}

	if t.interrupted.Load() {
		return 0, fmt.Errorf("%w: %w", ErrTransport, ErrInterrupted)
	}

	n, err := t.stdin.Write(p)
	t.written.Add(int64(n))
	if err != nil {
		if t.interrupted.Load() {
			return n, fmt.Errorf("%w: %w", ErrTransport, ErrInterrupted)
		}
		select {
		case <-t.exited:
			return n, t.exitError()
		default:
		}
		return n, fmt.Errorf("%w: write %s: %w", ErrTransport, humanize.Bytes(uint64(len(p))), err)
	}
	return n, nil
}

// OpenArchive starts an archive on the transport. Only one archive may be open at a time,
// since interleaved archives would corrupt the stream.
func (t *Transport) OpenArchive() (*archive.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.active != nil {
		return nil, ErrArchiveInProgress
	}

	w := archive.NewWriter(t)
	w.OnClose(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.active == w {
			t.active = nil
		}
	})
	t.active = w
	return w, nil
}

// Exited is closed once the connection process has exited.
func (t *Transport) Exited() <-chan struct{} {
	return t.exited
}

// ExitCode returns the exit status of the connection process, or -1 while it is running.
func (t *Transport) ExitCode() int {
	select {
	case <-t.exited:
		return t.exitCode
	default:
		return -1
	}
}

// Err returns nil while the connection process runs and a transport error once it has exited.
func (t *Transport) Err() error {
	select {
	case <-t.exited:
		return t.exitError()
	default:
		return nil
	}
}

// BytesWritten returns the total number of bytes sent, receiver script included.
func (t *Transport) BytesWritten() int64 {
	return t.written.Load()
}

// Interrupt abandons the stream. Stdin is closed at once so a Write blocked on a remote side
// that stopped draining fails, and the open archive is left unfinished. The process tree is
// killed if it is still running after ShutdownTimeout. Interrupt is idempotent and may be
// called concurrently with Write.
func (t *Transport) Interrupt() {
	t.interruptOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.interrupted.Store(true)

		slog.Info("transport interrupt", "pid", t.cmd.Process.Pid, "sent", humanize.Bytes(uint64(t.written.Load())))
		if err := t.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Debug("transport interrupt: close stdin", "error", err)
		}

		go func() {
			timeout := time.NewTimer(t.opts.ShutdownTimeout)
			defer timeout.Stop()
			select {
			case <-t.exited:
			case <-timeout.C:
				if err := killProcessTree(t.cmd.Process.Pid, t.exited); err != nil {
					slog.Warn("transport interrupt: kill", "pid", t.cmd.Process.Pid, "error", err)
					_ = t.cmd.Process.Kill()
				}
			}
		}()
	})
}

// Interrupted reports whether Interrupt was called.
func (t *Transport) Interrupted() bool {
	return t.interrupted.Load()
}

// Close terminates an open archive, closes stdin and waits for the process to finish. The
// process tree is killed after ShutdownTimeout. Close is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.close()
	})
	return t.closeErr
}

func (t *Transport) close() error {
	t.mu.Lock()
	active := t.active
	t.closed = true
	t.mu.Unlock()

	var errs []error
	switch {
	case active == nil:
	case t.interrupted.Load():
		slog.Warn("transport abandoned open archive", "entries", active.Entries(), "sent", humanize.Bytes(uint64(active.BytesWritten())))
	default:
		if err := active.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close stdin: %w", err))
	}

	timeout := time.NewTimer(t.opts.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-t.exited:
	case <-timeout.C:
		slog.Warn("transport shutdown timed out", "pid", t.cmd.Process.Pid, "timeout", t.opts.ShutdownTimeout)
		if err := killProcessTree(t.cmd.Process.Pid, t.exited); err != nil {
			errs = append(errs, err)
			_ = t.cmd.Process.Kill()
		}
		<-t.exited
	}

	slog.Info("transport closed", "sent", humanize.Bytes(uint64(t.written.Load())), "code", t.exitCode)
	return errors.Join(errs...)
}

func (t *Transport) exitError() error {
	if t.exitErr != nil {
		return fmt.Errorf("%w: connection command exited with status %d: %w", ErrTransport, t.exitCode, t.exitErr)
	}
	return fmt.Errorf("%w: connection command exited with status %d", ErrTransport, t.exitCode)
}
