package browser

import (
	"fmt"
	"runtime"
	"sort"
)

// defaultLaunchFlags are the built-in switches every launch carries
// unless a caller overrides the key. Values are the part after "=";
// an empty value produces a bare switch.
func defaultLaunchFlags() map[string]string {
	flags := map[string]string{
		"no-first-run":               "",
		"no-default-browser-check":   "",
		"disable-sync":               "",
		"disable-background-networking": "",
		"disable-component-update":   "",
		"disable-hang-monitor":       "",
		"disable-popup-blocking":     "",
		"disable-blink-features":     "AutomationControlled",
		"mute-audio":                 "",
	}
	if runtime.GOOS == "linux" {
		// /dev/shm is tiny in containers; rendering crashes without this.
		flags["disable-dev-shm-usage"] = ""
	}
	return flags
}

// mergeFlags layers override maps over base, later maps winning on key
// conflicts. The result is a fresh map; inputs are never mutated.
func mergeFlags(base map[string]string, overrides ...map[string]string) map[string]string {
	merged := make(map[string]string, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for _, layer := range overrides {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// buildArgs renders the final argv for the browser process. Keys are
// emitted in sorted order so the command line is stable across runs,
// which keeps logs diffable and tests deterministic. The debugging
// endpoint, profile directory, and headless switches are appended from
// the LaunchSpec fields rather than the flag map so they cannot be silently
// dropped; a caller that really wants to override them can still do so
// via the flag map since later duplicates win in Chromium's parser.
func buildArgs(spec LaunchSpec) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", spec.Port),
		fmt.Sprintf("--remote-debugging-address=%s", spec.Host),
		fmt.Sprintf("--user-data-dir=%s", spec.UserDataDir),
	}
	if spec.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}

	keys := make([]string, 0, len(spec.Flags))
	for k := range spec.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := spec.Flags[k]; v == "" {
			args = append(args, "--"+k)
		} else {
			args = append(args, fmt.Sprintf("--%s=%s", k, v))
		}
	}

	args = append(args, "about:blank")
	return args
}
