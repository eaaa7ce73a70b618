package browser

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
)

// Locator finds the browser binary to launch.
type Locator interface {
	// Locate returns the path of the first usable executable. The
	// override, when non-empty, wins if it exists on disk. An
	// exhaustive miss returns a KindExecutableNotFound error.
	Locate(override string) (string, error)
}

// ExecLocator scans platform-specific install locations and PATH for a
// Chromium-family binary. It holds no state; every call re-checks the
// filesystem.
type ExecLocator struct {
	log *zap.Logger
}

// NewExecLocator returns the default locator.
func NewExecLocator(log *zap.Logger) *ExecLocator {
	return &ExecLocator{log: log.Named("locator")}
}

// Locate implements Locator.
func (l *ExecLocator) Locate(override string) (string, error) {
	if override != "" {
		if fileExists(override) {
			return override, nil
		}
		l.log.Warn("Configured executable path does not exist, falling back to discovery.",
			zap.String("path", override))
	}

	for _, candidate := range knownInstallPaths() {
		if fileExists(candidate) {
			l.log.Debug("Found browser executable.", zap.String("path", candidate))
			return candidate, nil
		}
	}

	for _, name := range pathNames() {
		if p, err := exec.LookPath(name); err == nil {
			l.log.Debug("Found browser executable on PATH.", zap.String("path", p))
			return p, nil
		}
	}

	return "", classifiedf(KindExecutableNotFound,
		"no chromium-family executable found; set browser.executable_path")
}

// knownInstallPaths returns the ordered per-platform candidate list.
// Preference order: Chrome, Brave, Edge, Chromium, canary/dev builds.
func knownInstallPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
		}
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		programFilesX86 := os.Getenv("ProgramFiles(x86)")
		if programFilesX86 == "" {
			programFilesX86 = `C:\Program Files (x86)`
		}
		localAppData := os.Getenv("LocalAppData")

		var paths []string
		for _, root := range []string{programFiles, programFilesX86} {
			paths = append(paths,
				filepath.Join(root, `Google\Chrome\Application\chrome.exe`),
				filepath.Join(root, `BraveSoftware\Brave-Browser\Application\brave.exe`),
				filepath.Join(root, `Microsoft\Edge\Application\msedge.exe`),
				filepath.Join(root, `Chromium\Application\chrome.exe`),
			)
		}
		if localAppData != "" {
			paths = append(paths,
				filepath.Join(localAppData, `Google\Chrome\Application\chrome.exe`),
				filepath.Join(localAppData, `Chromium\Application\chrome.exe`),
			)
		}
		return paths
	default: // linux and friends
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chrome",
			"/usr/bin/brave-browser",
			"/usr/bin/brave-browser-stable",
			"/usr/bin/brave",
			"/usr/bin/microsoft-edge",
			"/usr/bin/microsoft-edge-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
			"/opt/google/chrome/chrome",
		}
	}
}

// pathNames are the bare command names tried against PATH after the
// known locations miss.
func pathNames() []string {
	if runtime.GOOS == "windows" {
		return []string{"chrome.exe", "msedge.exe", "brave.exe"}
	}
	return []string{
		"google-chrome",
		"google-chrome-stable",
		"brave-browser",
		"chromium",
		"chromium-browser",
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
