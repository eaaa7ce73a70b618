//go:build !windows

package browser

import (
	"os/exec"
	"strings"
	"syscall"
)

// setProcessGroup puts the browser in its own process group so the
// renderer, GPU, and utility children share a PGID and can be
// signalled together at teardown.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalProcessTree signals the whole process group. force=false sends
// SIGTERM, force=true sends SIGKILL. A negative PID targets the group.
func signalProcessTree(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		// Fall back to the single process if the group is gone.
		if err2 := syscall.Kill(pid, sig); err2 != nil && err2 != syscall.ESRCH {
			return err2
		}
	}
	return nil
}

// sweepStrayProcesses force-kills by command-line match as the final
// backstop for children that escaped the process group. The match is
// the instance's profile-directory marker, not the bare binary name,
// so browsers this supervisor does not own are left alone.
func sweepStrayProcesses(execName, marker string) error {
	if marker == "" {
		return nil
	}
	out, err := exec.Command("pkill", "-9", "-f", marker).CombinedOutput()
	if err != nil {
		// Exit status 1 means nothing matched, which is the normal
		// case after a clean PID kill.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil
		}
		return &sweepError{tool: "pkill", output: strings.TrimSpace(string(out)), err: err}
	}
	return nil
}
