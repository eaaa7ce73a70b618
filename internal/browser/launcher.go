package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LaunchSpec is the resolved input to one launch attempt. Every field
// is final: flag merging and port negotiation happen before it reaches
// the launcher.
type LaunchSpec struct {
	ExecPath    string
	Host        string
	Port        int
	UserDataDir string
	Headless    bool
	Flags       map[string]string
}

// Launcher starts the external browser engine and hands back a live
// process whose DevTools endpoint answered.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Process, error)
}

// errPortConflict marks a launch that lost the probe-then-bind race on
// the debugging port. The initializer reacts by retrying with the next
// port from the remaining range.
var errPortConflict = errors.New("devtools port no longer available")

const (
	stderrTailLimit    = 4096
	readyProbeInterval = 200 * time.Millisecond
)

// ChromeLauncher launches a Chromium-family engine and polls its HTTP
// bootstrap endpoint until the WebSocket debugger URL is advertised.
type ChromeLauncher struct {
	log          *zap.Logger
	readyTimeout time.Duration
	client       *http.Client
}

// NewChromeLauncher returns a launcher that waits up to readyTimeout
// for the DevTools endpoint to come up.
func NewChromeLauncher(log *zap.Logger, readyTimeout time.Duration) *ChromeLauncher {
	return &ChromeLauncher{
		log:          log.Named("launcher"),
		readyTimeout: readyTimeout,
		client:       &http.Client{Timeout: 2 * time.Second},
	}
}

// Launch implements Launcher.
func (l *ChromeLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	dataDir := spec.UserDataDir
	ownsDir := false
	if dataDir == "" {
		d, err := os.MkdirTemp("", "chromewarden-profile-")
		if err != nil {
			return nil, fmt.Errorf("creating profile directory: %w", err)
		}
		dataDir = d
		ownsDir = true
	}
	spec.UserDataDir = dataDir

	var display *virtualDisplay
	if !spec.Headless && needsVirtualDisplay() {
		d, err := startVirtualDisplay(l.log)
		if err != nil {
			// The engine may still start if some other display turns
			// out to be reachable; if not, its stderr will say so.
			l.log.Warn("Virtual display unavailable for visible session.", zap.Error(err))
		} else {
			display = d
		}
	}

	tail := newTailBuffer(stderrTailLimit)
	cmd := exec.Command(spec.ExecPath, buildArgs(spec)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = tail
	cmd.Env = os.Environ()
	if display != nil {
		cmd.Env = append(cmd.Env, display.Env())
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		if display != nil {
			_ = display.Stop()
		}
		if ownsDir {
			_ = os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("starting %s: %w", spec.ExecPath, err)
	}

	proc := &Process{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		execPath:    spec.ExecPath,
		userDataDir: dataDir,
		ownsDataDir: ownsDir,
		display:     display,
		stderr:      tail,
		done:        make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()

	l.log.Info("Launched browser process.",
		zap.Int("pid", proc.pid),
		zap.String("host", spec.Host),
		zap.Int("port", spec.Port),
		zap.Bool("headless", spec.Headless))

	wsURL, err := l.awaitReady(ctx, spec, proc)
	if err != nil {
		l.cleanupFailedLaunch(proc)
		return nil, err
	}
	proc.wsURL = wsURL

	l.log.Debug("DevTools endpoint ready.", zap.String("ws_url", wsURL))
	return proc, nil
}

// awaitReady polls the bootstrap endpoint until it advertises the
// debugger URL, the process dies, or the window closes. A process that
// dies during startup with a bind complaint on stderr is reported as
// errPortConflict so the initializer can move to the next port.
func (l *ChromeLauncher) awaitReady(ctx context.Context, spec LaunchSpec, proc *Process) (string, error) {
	endpoint := fmt.Sprintf("http://%s/json/version",
		net.JoinHostPort(spec.Host, fmt.Sprint(spec.Port)))

	deadline := time.NewTimer(l.readyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyProbeInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", classified(KindConnectTimeout,
				fmt.Errorf("waiting for devtools endpoint: %w", ctx.Err()))
		case <-proc.done:
			tailText := proc.stderrTail()
			if isPortBindFailure(tailText) {
				return "", fmt.Errorf("%w (port %d): %s", errPortConflict, spec.Port, tailText)
			}
			return "", classifiedf(KindUnknown,
				"browser process exited during startup (%v): %s", proc.waitErr, tailText)
		case <-deadline.C:
			return "", classified(KindConnectTimeout,
				fmt.Errorf("devtools endpoint %s not ready within %s; stderr: %s",
					endpoint, l.readyTimeout, proc.stderrTail()))
		case <-tick.C:
			if wsURL, err := l.fetchWebSocketURL(ctx, endpoint); err == nil {
				return wsURL, nil
			}
		}
	}
}

// fetchWebSocketURL decodes the debugger URL from /json/version.
func (l *ChromeLauncher) fetchWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools endpoint returned %s", resp.Status)
	}

	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding version payload: %w", err)
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", errors.New("version payload missing webSocketDebuggerUrl")
	}
	return payload.WebSocketDebuggerURL, nil
}

// cleanupFailedLaunch reclaims everything a dead-on-arrival launch
// allocated.
func (l *ChromeLauncher) cleanupFailedLaunch(proc *Process) {
	if !proc.Exited() {
		_ = signalProcessTree(proc.pid, true)
		proc.waitExit(2 * time.Second)
	}
	if proc.display != nil {
		_ = proc.display.Stop()
	}
	if proc.ownsDataDir {
		_ = os.RemoveAll(proc.userDataDir)
	}
}

// isPortBindFailure matches the engine's bind-failure complaints.
func isPortBindFailure(stderr string) bool {
	msg := strings.ToLower(stderr)
	for _, needle := range []string{
		"address already in use",
		"bind() returned an error",
		"cannot start http server for devtools",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
