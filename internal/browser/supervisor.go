package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/api/schemas"
)

// Supervisor runs a session's background work: the per-page
// assisted-action polling loops and the popup/target guard. Every loop
// is tied to the lifetime of its page or session; nothing here may
// outlive the context that owns it.
type Supervisor struct {
	log *zap.Logger
	s   *Session

	pollInterval time.Duration
	blocklist    []string
	step         AssistedActionStep

	// notices is the explicit queue between the channel's listener
	// callbacks and the guard loop, so classification and closing never
	// run on the protocol's event dispatch path.
	notices chan targetNotice

	wg sync.WaitGroup
}

func newSupervisor(s *Session, pollInterval time.Duration, blocklist []string, step AssistedActionStep) *Supervisor {
	return &Supervisor{
		log:          s.log.Named("supervisor"),
		s:            s,
		pollInterval: pollInterval,
		blocklist:    blocklist,
		step:         step,
		notices:      make(chan targetNotice, 32),
	}
}

// start installs the target listeners and spawns the guard loop.
func (sup *Supervisor) start() error {
	if err := sup.s.channel.InstallTargetListeners(sup.enqueue); err != nil {
		return err
	}
	sup.wg.Add(1)
	go sup.guardLoop()
	return nil
}

// enqueue hands a notice to the guard loop without ever blocking the
// event dispatcher. A full queue drops the notice; the guard re-syncs
// from the session's tracked state on the next event.
func (sup *Supervisor) enqueue(n targetNotice) {
	select {
	case sup.notices <- n:
	default:
		sup.log.Debug("Target notice queue full, dropping notice.",
			zap.Int("kind", int(n.kind)), zap.String("target_id", string(n.id)))
	}
}

// guardLoop classifies unsolicited pages and watches for crash and
// detach signals. It exits when the control channel's context ends.
func (sup *Supervisor) guardLoop() {
	defer sup.wg.Done()
	done := sup.s.channel.BrowserContext().Done()
	for {
		select {
		case <-done:
			sup.s.markDegraded("control channel closed")
			return
		case n := <-sup.notices:
			switch n.kind {
			case noticeTargetCreated:
				sup.handleCreated(n.info)
			case noticeTargetDestroyed:
				sup.s.untrackPage(n.id)
			case noticeTargetCrashed:
				sup.s.markDegraded("target crashed")
			case noticeDetached:
				sup.s.markDegraded("inspector detached")
			}
		}
	}
}

// handleCreated inspects a newly created target. Targets without an
// opener are either the supervisor's own creations or deliberate user
// tabs and pass untouched; opened targets are classified against the
// blocklist and the blank-destination rule, then either closed or
// adopted as a fully configured page.
func (sup *Supervisor) handleCreated(info *target.Info) {
	if info == nil || info.Type != "page" {
		return
	}
	if sup.s.hasPage(info.TargetID) || info.OpenerID == "" {
		return
	}

	if keyword, blocked := sup.classify(info.URL); blocked {
		if err := sup.s.channel.CloseTarget(info.TargetID); err != nil {
			sup.log.Warn("Failed to close blocked popup.",
				zap.String("target_id", string(info.TargetID)), zap.Error(err))
		}
		sup.log.Info("Blocked unsolicited popup.",
			zap.String("target_id", string(info.TargetID)),
			zap.String("url", info.URL),
			zap.String("matched", keyword))
		sup.s.manager.emit(schemas.Event{
			Type:      schemas.EventPopupBlocked,
			SessionID: sup.s.id,
			Fields: map[string]string{
				"target_id": string(info.TargetID),
				"url":       info.URL,
				"matched":   keyword,
			},
		})
		return
	}

	page, err := sup.s.adoptPage(sup.s.channel.BrowserContext(), info)
	if err != nil {
		sup.log.Warn("Failed to adopt new page target.",
			zap.String("target_id", string(info.TargetID)), zap.Error(err))
		return
	}
	sup.startPolling(page)
	sup.log.Debug("Adopted new page target.",
		zap.String("target_id", string(info.TargetID)), zap.String("url", info.URL))
}

// classify reports whether a popup destination should be closed and
// which rule matched. A blank or empty destination is always blocked,
// keyword match or not: pages opened to nowhere exist to be navigated
// by their opener, which is the redirect pattern this guard is for.
func (sup *Supervisor) classify(url string) (string, bool) {
	if url == "" || url == "about:blank" {
		return "blank", true
	}
	lower := strings.ToLower(url)
	for _, keyword := range sup.blocklist {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			return keyword, true
		}
	}
	return "", false
}

// startPolling spawns the assisted-action loop for one page. The loop
// observes page and channel cancellation within one interval and never
// detaches from the page's lifetime. Per-iteration errors are
// swallowed: the step is an opaque collaborator whose failures say
// nothing about session health.
func (sup *Supervisor) startPolling(p *Page) {
	if sup.step == nil {
		return
	}
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		ticker := time.NewTicker(sup.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-sup.s.channel.BrowserContext().Done():
				return
			case <-ticker.C:
				if err := sup.step.Attempt(p.ctx, p); err != nil {
					sup.log.Debug("Assisted action step failed; will retry next interval.",
						zap.String("target_id", string(p.id)), zap.Error(err))
				}
			}
		}
	}()
}

// wait blocks until every loop has observed its cancellation signal.
// Teardown calls this after cancelling pages so no Attempt call can
// land on a closing session.
func (sup *Supervisor) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sup.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
