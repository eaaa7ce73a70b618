//go:build linux

package browser

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// virtualDisplay wraps an Xvfb instance backing a visible browser on a
// host with no real display server.
type virtualDisplay struct {
	cmd     *exec.Cmd
	display string
	done    chan struct{}
}

// needsVirtualDisplay reports whether a visible session on this host
// requires an auxiliary display.
func needsVirtualDisplay() bool {
	return os.Getenv("DISPLAY") == ""
}

// startVirtualDisplay launches Xvfb on the first display number whose
// slot is free. Collisions show up as an immediate exit, so each
// candidate gets a short grace window before being declared healthy.
func startVirtualDisplay(log *zap.Logger) (*virtualDisplay, error) {
	var lastErr error
	for num := 99; num <= 105; num++ {
		name := fmt.Sprintf(":%d", num)
		cmd := exec.Command("Xvfb", name, "-screen", "0", "1280x720x24", "-nolisten", "tcp")
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting Xvfb: %w", err)
		}

		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()

		select {
		case <-done:
			lastErr = fmt.Errorf("Xvfb exited immediately on %s", name)
			continue
		case <-time.After(200 * time.Millisecond):
		}

		log.Debug("Started virtual display.", zap.String("display", name), zap.Int("pid", cmd.Process.Pid))
		return &virtualDisplay{cmd: cmd, display: name, done: done}, nil
	}
	return nil, fmt.Errorf("no free X display slot: %w", lastErr)
}

// Env returns the DISPLAY assignment for the browser's environment.
func (d *virtualDisplay) Env() string { return "DISPLAY=" + d.display }

// Stop terminates the Xvfb process group.
func (d *virtualDisplay) Stop() error {
	if d == nil || d.cmd == nil || d.cmd.Process == nil {
		return nil
	}
	pid := d.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-d.done:
		return nil
	case <-time.After(2 * time.Second):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing Xvfb %s: %w", d.display, err)
	}
	return nil
}
