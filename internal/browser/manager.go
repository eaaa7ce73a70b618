package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/api/schemas"
	"github.com/xkilldash9x/chromewarden/internal/config"
)

// maxInitAttempts bounds the initialization recursion: one direct
// attempt plus one nested recovery attempt. The third attempt fails
// fast with KindMaxDepthExceeded instead of looping.
const maxInitAttempts = 2

// retryContext carries the recursion depth of one initialization call
// chain as an explicit value. It is scoped to the call, never shared,
// so concurrent unrelated initializations cannot corrupt each other.
type retryContext struct {
	depth int
}

func (rc retryContext) next() retryContext {
	return retryContext{depth: rc.depth + 1}
}

// initState names where the initialization state machine currently is.
type initState int

const (
	stateIdle initState = iota
	stateLocatingExecutable
	stateAllocatingPort
	stateLaunching
	stateConnecting
	stateConfiguringDefaults
	stateReady
	stateFailed
)

func (s initState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLocatingExecutable:
		return "locating_executable"
	case stateAllocatingPort:
		return "allocating_port"
	case stateLaunching:
		return "launching"
	case stateConnecting:
		return "connecting"
	case stateConfiguringDefaults:
		return "configuring_defaults"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager owns the full lifecycle of one supervised browser session:
// it gates attempts through the circuit breaker, drives the
// initialization state machine, and serializes initialization against
// teardown so at most one live session exists per Manager.
type Manager struct {
	log *zap.Logger
	cfg *config.Config

	breaker   *CircuitBreaker
	locator   Locator
	ports     PortFinder
	launcher  Launcher
	connector Connector
	health    *HealthValidator
	teardown  *TeardownCoordinator

	stealth StealthInjector
	step    AssistedActionStep

	events chan schemas.Event

	// mu serializes InitializeSession and session teardown for this
	// Manager. The supervisor's background loops run outside it.
	mu      sync.Mutex
	session *Session
}

// ManagerOption overrides one of the Manager's collaborators.
type ManagerOption func(*Manager)

// WithLocator substitutes the executable locator.
func WithLocator(l Locator) ManagerOption {
	return func(m *Manager) { m.locator = l }
}

// WithPortFinder substitutes the port/host negotiator.
func WithPortFinder(p PortFinder) ManagerOption {
	return func(m *Manager) { m.ports = p }
}

// WithLauncher substitutes the process launcher.
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) { m.launcher = l }
}

// WithConnector substitutes the control channel connector.
func WithConnector(c Connector) ManagerOption {
	return func(m *Manager) { m.connector = c }
}

// WithStealthInjector installs the per-page stealth hook.
func WithStealthInjector(s StealthInjector) ManagerOption {
	return func(m *Manager) { m.stealth = s }
}

// WithAssistedActionStep installs the per-page polling step.
func WithAssistedActionStep(s AssistedActionStep) ManagerOption {
	return func(m *Manager) { m.step = s }
}

// NewManager wires the supervisor together. The breaker is injected,
// not global: the caller that constructs the Manager owns the breaker
// instance and its lifetime.
func NewManager(cfg *config.Config, breaker *CircuitBreaker, logger *zap.Logger, opts ...ManagerOption) *Manager {
	log := logger.Named("manager")
	sup := cfg.Supervisor
	m := &Manager{
		log:       log,
		cfg:       cfg,
		breaker:   breaker,
		locator:   NewExecLocator(log),
		ports:     NewNetPortFinder(log),
		launcher:  NewChromeLauncher(log, sup.LaunchReadyTimeout),
		connector: NewChromedpConnector(log, sup.ConnectDeadline),
		health:    NewHealthValidator(log, sup.HealthDeadline),
		teardown:  NewTeardownCoordinator(log),
		events:    make(chan schemas.Event, sup.EventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events is the observability stream: popup_blocked, session_degraded,
// and breaker_opened notifications. Emission never blocks session
// work; consumers that fall behind lose events.
func (m *Manager) Events() <-chan schemas.Event {
	return m.events
}

// Session returns the Manager's live session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// InitializeSession runs the bounded-recursion initialization state
// machine and returns a ready session. An existing session is torn
// down first, so at most one session per Manager exists at a time.
// Every returned error carries its classified kind and wraps the raw
// underlying failure.
func (m *Manager) InitializeSession(ctx context.Context, opts schemas.SessionOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialize(ctx, opts, retryContext{})
}

// CloseSession tears down the Manager's session, if any.
func (m *Manager) CloseSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.teardown.Close(ctx, m.session)
	m.session = nil
	return err
}

// closeSession is the Session.Close entry point. It only locks when
// the closing session is still the Manager's current one, so a stale
// handle close cannot deadlock against an in-flight initialization.
func (m *Manager) closeSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.teardown.Close(ctx, s)
	if m.session == s {
		m.session = nil
	}
	return err
}

// initialize is one attempt of the state machine. The gate check runs
// before anything else; being gated records no failure. Retryable
// failures recurse exactly once through retryContext; the depth bound
// converts a would-be loop into KindMaxDepthExceeded.
func (m *Manager) initialize(ctx context.Context, opts schemas.SessionOptions, rc retryContext) (*Session, error) {
	if m.breaker.IsOpen() {
		return nil, classifiedf(KindCircuitOpen,
			"launch circuit open after %d consecutive failures", m.breaker.ConsecutiveFailures())
	}
	if rc.depth >= maxInitAttempts {
		return nil, classifiedf(KindMaxDepthExceeded,
			"initialization exceeded %d attempts", maxInitAttempts)
	}

	if m.session != nil {
		m.log.Info("Existing session found, tearing it down before reinitializing.",
			zap.String("session_id", m.session.id))
		if err := m.teardown.Close(ctx, m.session); err != nil {
			m.log.Warn("Teardown of previous session reported errors.", zap.Error(err))
		}
		m.session = nil
	}

	s, err := m.runInit(ctx, opts, rc)
	if err == nil {
		m.session = s
		m.breaker.RecordSuccess()
		return s, nil
	}

	kind := Classify(err)
	if errors.Is(err, context.Canceled) {
		// A deliberately cancelled attempt says nothing about launch
		// health: it neither feeds the breaker nor warrants a retry.
		return nil, err
	}
	if countsAsBreakerFailure(kind) {
		if state, opened := m.breaker.RecordFailure(); opened {
			m.log.Warn("Launch circuit breaker opened.",
				zap.Int("failures", m.breaker.ConsecutiveFailures()),
				zap.String("state", state.String()))
			m.emit(schemas.Event{
				Type: schemas.EventBreakerOpened,
				Fields: map[string]string{
					"failures": fmt.Sprint(m.breaker.ConsecutiveFailures()),
					"kind":     string(kind),
				},
			})
		}
	}

	if retryableDuringInit(kind) {
		if rc.next().depth >= maxInitAttempts {
			// The depth bound converts the would-be loop into a terminal
			// failure that still carries the last attempt's raw cause.
			return nil, classified(KindMaxDepthExceeded,
				fmt.Errorf("initialization exceeded %d attempts: %w", maxInitAttempts, err))
		}
		m.log.Warn("Initialization attempt failed, starting nested recovery attempt.",
			zap.Int("depth", rc.depth), zap.String("kind", string(kind)), zap.Error(err))
		return m.initialize(ctx, opts, rc.next())
	}
	return nil, err
}

// runInit walks the state machine for one attempt. Any failure tears
// down whatever partial resources this attempt created before
// returning, so a half-constructed session is never reachable.
func (m *Manager) runInit(ctx context.Context, opts schemas.SessionOptions, rc retryContext) (*Session, error) {
	st := stateIdle
	fail := func(err error) error {
		m.log.Debug("Initialization state failed.",
			zap.String("state", st.String()), zap.Int("depth", rc.depth), zap.Error(err))
		st = stateFailed
		var ce *ClassifiedError
		if !errors.As(err, &ce) {
			err = &ClassifiedError{Kind: Classify(err), Err: err}
		}
		return err
	}
	advance := func(next initState) {
		m.log.Debug("Initialization state transition.",
			zap.String("from", st.String()), zap.String("to", next.String()), zap.Int("depth", rc.depth))
		st = next
	}

	advance(stateLocatingExecutable)
	override := opts.ExecutablePath
	if override == "" {
		override = m.cfg.Browser.ExecutablePath
	}
	execPath, err := m.locator.Locate(override)
	if err != nil {
		return nil, fail(err)
	}

	advance(stateAllocatingPort)
	host := m.ports.ResolveConnectableHost()
	port, err := m.ports.FindAvailablePort(host, m.cfg.Supervisor.PortRangeStart, m.cfg.Supervisor.PortRangeEnd)
	if err != nil {
		return nil, fail(err)
	}

	headless := m.cfg.Browser.Headless
	if opts.Headless != nil {
		headless = *opts.Headless
	}
	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		userDataDir = m.cfg.Browser.UserDataDir
	}
	spec := LaunchSpec{
		ExecPath:    execPath,
		Host:        host,
		Port:        port,
		UserDataDir: userDataDir,
		Headless:    headless,
		Flags:       mergeFlags(defaultLaunchFlags(), m.cfg.Browser.Flags, opts.Flags),
	}

	advance(stateLaunching)
	proc, err := m.launchWithPortRetry(ctx, spec)
	if err != nil {
		return nil, fail(err)
	}

	advance(stateConnecting)
	channel, err := m.connector.Connect(ctx, proc.WebSocketURL())
	if err != nil {
		// The process may have partially started; it must still be
		// reached and reclaimed even though the connect failed.
		if terr := m.teardown.destroyProcess(proc); terr != nil {
			m.log.Warn("Cleanup after failed connect reported errors.", zap.Error(terr))
		}
		return nil, fail(err)
	}

	advance(stateConfiguringDefaults)
	s := newSession(m, proc, channel)
	s.supervisor = newSupervisor(s, m.cfg.Supervisor.PollInterval, m.cfg.Supervisor.PopupBlocklist, m.step)
	if err := m.readySession(ctx, s, opts); err != nil {
		if terr := m.teardown.Close(ctx, s); terr != nil {
			m.log.Warn("Cleanup after failed configuration reported errors.", zap.Error(terr))
		}
		return nil, fail(err)
	}

	advance(stateReady)
	s.setStatus(schemas.StatusReady)
	m.log.Info("Session ready.",
		zap.String("session_id", s.id),
		zap.Int("pid", proc.PID()),
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("depth", rc.depth))
	return s, nil
}

// readySession starts the background supervisor and opens the primary
// page with the baseline defaults applied.
func (m *Manager) readySession(ctx context.Context, s *Session, opts schemas.SessionOptions) error {
	if err := s.supervisor.start(); err != nil {
		return fmt.Errorf("starting background supervisor: %w", err)
	}
	page, err := s.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("opening primary page: %w", err)
	}
	if opts.StartURL != "" {
		if err := page.Navigate(ctx, opts.StartURL); err != nil {
			return fmt.Errorf("navigating primary page: %w", err)
		}
	}
	return nil
}

// launchWithPortRetry starts the process, absorbing the documented
// probe-then-bind race: when the engine loses the port between the
// availability probe and its own bind, the launch is retried with the
// next available port from the remaining range rather than recursing
// the whole state machine.
func (m *Manager) launchWithPortRetry(ctx context.Context, spec LaunchSpec) (*Process, error) {
	for {
		proc, err := m.launcher.Launch(ctx, spec)
		if err == nil {
			return proc, nil
		}
		if !errors.Is(err, errPortConflict) {
			return nil, err
		}

		m.log.Warn("Debugging port was taken between probe and bind, retrying with next port.",
			zap.Int("lost_port", spec.Port))
		if spec.Port >= m.cfg.Supervisor.PortRangeEnd {
			return nil, classifiedf(KindNoPortAvailable,
				"port range exhausted after bind conflict on %d: %v", spec.Port, err)
		}
		next, perr := m.ports.FindAvailablePort(spec.Host, spec.Port+1, m.cfg.Supervisor.PortRangeEnd)
		if perr != nil {
			return nil, perr
		}
		spec.Port = next
	}
}

// emit publishes an observability event without ever blocking. Every
// event is also structured-logged, so a dropped channel send loses
// nothing from the operator's view.
func (m *Manager) emit(ev schemas.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.log.Debug("Event buffer full, dropping event.", zap.String("type", string(ev.Type)))
	}
}

func (m *Manager) newSessionID() string {
	return uuid.New().String()
}
