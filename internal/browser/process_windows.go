//go:build windows

package browser

import (
	"fmt"
	"os/exec"
	"strings"
)

// setProcessGroup is a no-op on Windows; taskkill /T handles the tree.
func setProcessGroup(cmd *exec.Cmd) {}

// signalProcessTree terminates the process tree rooted at pid. Windows
// has no graceful TERM for GUI-less children, so force is effectively
// always true once we reach for taskkill.
func signalProcessTree(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}
	args := []string{"/PID", fmt.Sprint(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	if err != nil {
		msg := strings.ToLower(string(out))
		// "not found" means the tree is already gone.
		if strings.Contains(msg, "not found") {
			return nil
		}
		return &sweepError{tool: "taskkill", output: strings.TrimSpace(string(out)), err: err}
	}
	return nil
}

// sweepStrayProcesses force-kills by image name as the final backstop.
func sweepStrayProcesses(execName, marker string) error {
	if execName == "" {
		return nil
	}
	out, err := exec.Command("taskkill", "/F", "/T", "/IM", execName).CombinedOutput()
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "not found") {
			return nil
		}
		return &sweepError{tool: "taskkill", output: strings.TrimSpace(string(out)), err: err}
	}
	return nil
}
