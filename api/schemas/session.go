package schemas

import "time"

// -- Session Models --
// These types describe the externally visible shape of a supervised
// browser session. The supervisor internals live in internal/browser;
// everything here is safe to hand to CLI formatting or event consumers.

// SessionStatus tracks where a session is in its lifecycle.
type SessionStatus string

const (
	// StatusInitializing covers everything between the first launch step
	// and the session being handed to the caller.
	StatusInitializing SessionStatus = "initializing"
	// StatusReady means the control channel is connected and defaults
	// have been applied.
	StatusReady SessionStatus = "ready"
	// StatusDegraded means a health probe or channel event reported the
	// session unhealthy. The session is still addressable; callers
	// decide whether to tear it down.
	StatusDegraded SessionStatus = "degraded"
	// StatusClosed is terminal.
	StatusClosed SessionStatus = "closed"
)

// SessionOptions carries caller-supplied overrides for one
// initialization attempt. Zero values defer to configuration.
type SessionOptions struct {
	// ExecutablePath overrides executable discovery entirely when set.
	ExecutablePath string `json:"executable_path,omitempty"`
	// Headless overrides the configured headless mode when non-nil.
	Headless *bool `json:"headless,omitempty"`
	// Flags are merged over the built-in launch flags; on a key
	// conflict the caller wins.
	Flags map[string]string `json:"flags,omitempty"`
	// UserDataDir pins the profile directory. When empty a throwaway
	// directory is created and removed on teardown.
	UserDataDir string `json:"user_data_dir,omitempty"`
	// StartURL, when set, is navigated to on the primary page once the
	// session is ready.
	StartURL string `json:"start_url,omitempty"`
}

// SessionInfo is a point-in-time snapshot of a session, suitable for
// logging and CLI output.
type SessionInfo struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid"`
	Endpoint  string        `json:"endpoint"`
	PageCount int           `json:"page_count"`
	StartedAt time.Time     `json:"started_at"`
}

// -- Event Models --
// The supervisor publishes a small set of observability events on a
// buffered channel. Emission never blocks session work; consumers that
// fall behind lose events (each one is also structured-logged).

// EventType identifies an observability event.
type EventType string

const (
	// EventPopupBlocked is emitted when the target guard closes an
	// unsolicited page.
	EventPopupBlocked EventType = "popup_blocked"
	// EventSessionDegraded is emitted when a session transitions to
	// StatusDegraded.
	EventSessionDegraded EventType = "session_degraded"
	// EventBreakerOpened is emitted when the launch circuit breaker
	// transitions to open.
	EventBreakerOpened EventType = "breaker_opened"
)

// Event is one observability notification.
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Time      time.Time         `json:"time"`
	Fields    map[string]string `json:"fields,omitempty"`
}
