package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/api/schemas"
)

// Session binds exactly one live browser process to one control
// channel. The owning Manager creates it, the health validator and the
// channel listeners may degrade it, and the teardown coordinator
// destroys it. The process handle is never shared with another
// Session.
type Session struct {
	id  string
	log *zap.Logger

	proc    *Process
	channel ControlChannel

	manager    *Manager
	supervisor *Supervisor

	startedAt time.Time

	mu      sync.Mutex
	status  schemas.SessionStatus
	pages   map[target.ID]*Page
	primary *Page

	degradedOnce sync.Once
	closeOnce    sync.Once
}

func newSession(m *Manager, proc *Process, channel ControlChannel) *Session {
	id := m.newSessionID()
	return &Session{
		id:        id,
		log:       m.log.Named("session").With(zap.String("session_id", id)),
		proc:      proc,
		channel:   channel,
		manager:   m,
		startedAt: time.Now(),
		status:    schemas.StatusInitializing,
		pages:     make(map[target.ID]*Page),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle status.
func (s *Session) Status() schemas.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st schemas.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Info returns a point-in-time snapshot for logging and CLI output.
func (s *Session) Info() schemas.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := schemas.SessionInfo{
		ID:        s.id,
		Status:    s.status,
		PageCount: len(s.pages),
		StartedAt: s.startedAt,
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
		info.Endpoint = s.proc.WebSocketURL()
	}
	return info
}

// NewPage creates a fresh page target, applies the baseline page
// configuration, and registers it with the session's background
// supervisor.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	if st := s.Status(); st == schemas.StatusClosed {
		return nil, classifiedf(KindChannelClosed, "session %s is closed", s.id)
	}

	pageCtx, cancel, id, err := s.channel.NewPage(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	p := &Page{id: id, ctx: pageCtx, cancel: cancel, session: s}
	s.trackPage(p)

	if err := s.configurePage(ctx, p); err != nil {
		_ = p.Close(ctx)
		return nil, fmt.Errorf("configuring page %s: %w", id, err)
	}
	if s.supervisor != nil {
		s.supervisor.startPolling(p)
	}
	s.log.Debug("Page created.", zap.String("target_id", string(id)))
	return p, nil
}

// configurePage applies the baseline viewport and identity defaults and
// then the optional stealth hook. Stealth failures are logged, never
// fatal.
func (s *Session) configurePage(ctx context.Context, p *Page) error {
	bcfg := s.manager.cfg.Browser
	if err := s.channel.ConfigurePage(ctx, p.ctx, bcfg.ViewportWidth, bcfg.ViewportHeight, bcfg.UserAgent); err != nil {
		return err
	}
	if inj := s.manager.stealth; inj != nil {
		if err := inj.Apply(ctx, p); err != nil {
			s.log.Warn("Stealth injection failed; continuing without it.",
				zap.String("target_id", string(p.id)), zap.Error(err))
		}
	}
	return nil
}

// Validate runs the health probe against this session.
func (s *Session) Validate(ctx context.Context) bool {
	return s.manager.health.Validate(ctx, s)
}

// Close tears the session down. Idempotent; the second call is a
// no-op returning nil.
func (s *Session) Close(ctx context.Context) error {
	return s.manager.closeSession(ctx, s)
}

// markDegraded transitions the session to degraded exactly once and
// emits the observability event. A closed session never degrades.
func (s *Session) markDegraded(reason string) {
	s.mu.Lock()
	if s.status == schemas.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.degradedOnce.Do(func() {
		s.setStatus(schemas.StatusDegraded)
		s.log.Warn("Session degraded.", zap.String("reason", reason))
		s.manager.emit(schemas.Event{
			Type:      schemas.EventSessionDegraded,
			SessionID: s.id,
			Fields:    map[string]string{"reason": reason},
		})
	})
}

func (s *Session) trackPage(p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p.id] = p
	if s.primary == nil {
		s.primary = p
	}
}

func (s *Session) untrackPage(id target.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, id)
}

func (s *Session) hasPage(id target.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[id]
	return ok
}

// pagesSnapshot returns the tracked pages at this instant; teardown
// iterates the snapshot so page closes cannot race map mutation.
func (s *Session) pagesSnapshot() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	return out
}

// Primary returns the first page the session opened, or nil before
// initialization completes.
func (s *Session) Primary() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// adoptPage wraps an existing target the popup guard decided to keep.
func (s *Session) adoptPage(ctx context.Context, info *target.Info) (*Page, error) {
	pageCtx, cancel, id, err := s.channel.NewPage(ctx, info.TargetID)
	if err != nil {
		return nil, fmt.Errorf("adopting target %s: %w", info.TargetID, err)
	}
	p := &Page{id: id, opener: info.OpenerID, url: info.URL, ctx: pageCtx, cancel: cancel, session: s}
	s.trackPage(p)

	if err := s.configurePage(ctx, p); err != nil {
		// An adopted page that cannot be configured is still usable;
		// callers get the same page a user would see.
		s.log.Warn("Baseline configuration failed on adopted page.",
			zap.String("target_id", string(id)), zap.Error(err))
	}
	return p, nil
}
