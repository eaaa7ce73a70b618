package browser

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/chromewarden/api/schemas"
	"github.com/xkilldash9x/chromewarden/internal/config"
)

// newTestConfig returns a config with the documented defaults and a
// poll interval short enough for loop tests.
func newTestConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
		Supervisor: config.SupervisorConfig{
			BreakerThreshold:   5,
			BreakerCooldown:    30 * time.Second,
			ConnectDeadline:    2 * time.Second,
			HealthDeadline:     time.Second,
			LaunchReadyTimeout: 2 * time.Second,
			PortRangeStart:     9222,
			PortRangeEnd:       9322,
			PollInterval:       20 * time.Millisecond,
			PopupBlocklist:     []string{"doubleclick", "adservice", "popunder"},
			EventBuffer:        16,
		},
	}
}

// fakeLocator counts invocations and returns a fixed path or error.
type fakeLocator struct {
	mu    sync.Mutex
	path  string
	err   error
	calls int
}

func (l *fakeLocator) Locate(override string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return "", l.err
	}
	if l.path != "" {
		return l.path, nil
	}
	return "/usr/bin/fake-chromium", nil
}

func (l *fakeLocator) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// fakePorts hands out sequential ports without touching the network.
type fakePorts struct {
	mu      sync.Mutex
	findErr error
	next    int
}

func (p *fakePorts) IsPortAvailable(host string, port int) bool { return p.findErr == nil }

func (p *fakePorts) FindAvailablePort(host string, start, end int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findErr != nil {
		return 0, p.findErr
	}
	if p.next < start {
		p.next = start
	}
	if p.next > end {
		return 0, classifiedf(KindNoPortAvailable, "no available port on %s in range %d-%d", host, start, end)
	}
	port := p.next
	p.next++
	return port, nil
}

func (p *fakePorts) ResolveConnectableHost() string { return "127.0.0.1" }

// newTestProcess fabricates a process handle without a real child.
// alive processes are reaped by markExited, which the signal spies in
// teardown tests call.
func newTestProcess(pid int, alive bool) *Process {
	proc := &Process{
		pid:      pid,
		execPath: "/usr/bin/fake-chromium",
		wsURL:    fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/fake", 9000+pid),
		done:     make(chan struct{}),
	}
	if !alive {
		close(proc.done)
	}
	return proc
}

func (p *Process) markExited() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// fakeLauncher returns scripted results per call and records the specs
// it was launched with.
type fakeLauncher struct {
	mu      sync.Mutex
	results []func(spec LaunchSpec) (*Process, error)
	specs   []LaunchSpec
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	// Snapshot the scripted result under the lock but invoke it outside:
	// results like launchOK read the launcher's own state and must not
	// find the mutex already held.
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	n := len(l.specs)
	var next func(LaunchSpec) (*Process, error)
	if len(l.results) > 0 {
		next = l.results[0]
		if len(l.results) > 1 {
			l.results = l.results[1:]
		}
	}
	l.mu.Unlock()

	if next == nil {
		return newTestProcess(1000+n, false), nil
	}
	return next(spec)
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) spec(i int) LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

func launchOK(l *fakeLauncher) func(LaunchSpec) (*Process, error) {
	return func(spec LaunchSpec) (*Process, error) {
		l.mu.Lock()
		n := len(l.specs)
		l.mu.Unlock()
		return newTestProcess(1000+n, false), nil
	}
}

func launchFail(err error) func(LaunchSpec) (*Process, error) {
	return func(LaunchSpec) (*Process, error) { return nil, err }
}

// fakeChannel is an in-memory ControlChannel: pages are plain derived
// contexts, the probe and the target listeners are scripted by tests.
type fakeChannel struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	listener      func(targetNotice)
	probeFn       func(ctx context.Context) error
	newPageErr    error
	configureErr  error
	nextTarget    int
	configures    int
	navigations   []string
	pageCloses    int
	closedTargets []target.ID
}

func newFakeChannel() *fakeChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeChannel{ctx: ctx, cancel: cancel}
}

func (ch *fakeChannel) BrowserContext() context.Context { return ch.ctx }

func (ch *fakeChannel) NewPage(ctx context.Context, id target.ID) (context.Context, context.CancelFunc, target.ID, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.newPageErr != nil {
		return nil, nil, "", ch.newPageErr
	}
	if id == "" {
		ch.nextTarget++
		id = target.ID(fmt.Sprintf("TGT-%04d", ch.nextTarget))
	}
	pageCtx, cancel := context.WithCancel(ch.ctx)
	return pageCtx, cancel, id, nil
}

func (ch *fakeChannel) ConfigurePage(ctx, pageCtx context.Context, w, h int64, ua string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.configureErr != nil {
		return ch.configureErr
	}
	ch.configures++
	return nil
}

func (ch *fakeChannel) configureCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.configures
}

func (ch *fakeChannel) Navigate(ctx, pageCtx context.Context, url string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.navigations = append(ch.navigations, url)
	return nil
}

func (ch *fakeChannel) navigatedURLs() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.navigations...)
}

func (ch *fakeChannel) ClosePage(ctx, pageCtx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.pageCloses++
	return nil
}

func (ch *fakeChannel) CloseTarget(id target.ID) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closedTargets = append(ch.closedTargets, id)
	return nil
}

func (ch *fakeChannel) closedTargetIDs() []target.ID {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]target.ID(nil), ch.closedTargets...)
}

func (ch *fakeChannel) Probe(ctx context.Context) error {
	ch.mu.Lock()
	probe := ch.probeFn
	ch.mu.Unlock()
	if probe != nil {
		return probe(ctx)
	}
	return nil
}

func (ch *fakeChannel) InstallTargetListeners(fn func(targetNotice)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.listener = fn
	return nil
}

// pushNotice feeds a target notification as the protocol would.
func (ch *fakeChannel) pushNotice(n targetNotice) {
	ch.mu.Lock()
	fn := ch.listener
	ch.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (ch *fakeChannel) Close() { ch.cancel() }

// fakeConnector yields a fresh fakeChannel per connect, remembering the
// last one for assertions.
type fakeConnector struct {
	mu      sync.Mutex
	err     error
	errOnce bool
	last    *fakeChannel
	dialled []string
}

func (c *fakeConnector) Connect(ctx context.Context, wsURL string) (ControlChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialled = append(c.dialled, wsURL)
	if c.err != nil {
		err := c.err
		if c.errOnce {
			c.err = nil
		}
		return nil, err
	}
	c.last = newFakeChannel()
	return c.last, nil
}

func (c *fakeConnector) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// countingStep counts Attempt invocations across all pages.
type countingStep struct {
	mu    sync.Mutex
	count int
	err   error
}

func (s *countingStep) Attempt(ctx context.Context, p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return s.err
}

func (s *countingStep) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// pageCountingStep counts Attempt invocations per target, for tests
// that need to tell one page's loop from another's.
type pageCountingStep struct {
	mu     sync.Mutex
	counts map[target.ID]int
}

func (s *pageCountingStep) Attempt(ctx context.Context, p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[target.ID]int)
	}
	s.counts[p.TargetID()]++
	return nil
}

func (s *pageCountingStep) attemptsFor(id target.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}

// testManager bundles a Manager wired entirely to fakes. The teardown
// coordinator's process controls are spies so no real signal or sweep
// ever runs from a test.
type testManager struct {
	m         *Manager
	locator   *fakeLocator
	ports     *fakePorts
	launcher  *fakeLauncher
	connector *fakeConnector
	signals   *signalSpy
}

// signalSpy records process signals and reaps the target so waits
// return immediately.
type signalSpy struct {
	mu    sync.Mutex
	calls []bool
	procs []*Process
}

func (s *signalSpy) bind(proc *Process) func(pid int, force bool) error {
	return func(pid int, force bool) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, force)
		if proc != nil {
			proc.markExited()
		}
		for _, p := range s.procs {
			if p.pid == pid {
				p.markExited()
			}
		}
		return nil
	}
}

func (s *signalSpy) track(proc *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, proc)
}

func (s *signalSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestManager(t *testing.T, opts ...ManagerOption) *testManager {
	t.Helper()
	cfg := newTestConfig()
	tm := &testManager{
		locator:   &fakeLocator{},
		ports:     &fakePorts{},
		launcher:  &fakeLauncher{},
		connector: &fakeConnector{},
		signals:   &signalSpy{},
	}
	breaker := NewCircuitBreaker(cfg.Supervisor.BreakerThreshold, cfg.Supervisor.BreakerCooldown)
	all := append([]ManagerOption{
		WithLocator(tm.locator),
		WithPortFinder(tm.ports),
		WithLauncher(tm.launcher),
		WithConnector(tm.connector),
	}, opts...)
	tm.m = NewManager(cfg, breaker, zaptest.NewLogger(t), all...)
	tm.m.teardown.signal = tm.signals.bind(nil)
	tm.m.teardown.sweep = func(execName, marker string) error { return nil }
	tm.m.teardown.graceWait = 20 * time.Millisecond
	tm.m.teardown.killWait = 20 * time.Millisecond
	return tm
}

// drainEvent waits for one event of the given type.
func drainEvent(t *testing.T, events <-chan schemas.Event, want schemas.EventType, within time.Duration) schemas.Event {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", want, within)
			return schemas.Event{}
		}
	}
}
