package browser

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Process is the handle for one launched browser engine, owned by
// exactly one Session. It tracks the command, the profile directory
// the launcher may have created, and the auxiliary virtual display
// when one backs a visible session.
type Process struct {
	cmd      *exec.Cmd
	pid      int
	execPath string

	userDataDir string
	ownsDataDir bool

	display *virtualDisplay

	wsURL string

	stderr *tailBuffer

	// done closes after Wait returns; waitErr is valid afterwards.
	done    chan struct{}
	waitErr error
}

// PID returns the top-level process id.
func (p *Process) PID() int { return p.pid }

// WebSocketURL is the DevTools endpoint advertised by the process once
// the launcher observed it ready.
func (p *Process) WebSocketURL() string { return p.wsURL }

// UserDataDir is the profile directory in use.
func (p *Process) UserDataDir() string { return p.userDataDir }

// Exited reports whether the top-level process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// waitExit blocks until the process exits or the timeout elapses.
func (p *Process) waitExit(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// execName is the binary base name, used by the force-kill sweep.
func (p *Process) execName() string {
	return filepath.Base(p.execPath)
}

// stderrTail returns the retained tail of the child's stderr, which is
// the only diagnostic available when the engine dies before the
// control channel exists.
func (p *Process) stderrTail() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

// sweepError reports a failed force-kill sweep with the tool's output
// attached, since the exit status alone rarely says what went wrong.
type sweepError struct {
	tool   string
	output string
	err    error
}

func (e *sweepError) Error() string {
	if e.output == "" {
		return fmt.Sprintf("%s sweep failed: %v", e.tool, e.err)
	}
	return fmt.Sprintf("%s sweep failed: %v: %s", e.tool, e.err, e.output)
}

func (e *sweepError) Unwrap() error { return e.err }

// tailBuffer is a bounded writer that keeps only the most recent bytes
// written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - t.limit; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
