package browser

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthValidator runs a cheap liveness probe against a session's
// control channel.
//
// Concurrent callers are de-duplicated: while one probe is in flight,
// every other caller gets the optimistic "assume valid" answer instead
// of queuing. That trades strict correctness for immunity to
// validation storms under load; a caller that lost the race and got a
// stale true will find out on its next real operation. This looseness
// is deliberate, not an oversight.
type HealthValidator struct {
	log      *zap.Logger
	deadline time.Duration
	inflight atomic.Bool
}

// NewHealthValidator returns a validator whose probes are bounded by
// deadline.
func NewHealthValidator(log *zap.Logger, deadline time.Duration) *HealthValidator {
	return &HealthValidator{log: log.Named("health"), deadline: deadline}
}

// Validate reports whether the session's control channel answers a
// trivial round-trip within the deadline. A failed probe marks the
// session degraded. The breaker is never touched: health probes are
// not launch attempts.
func (h *HealthValidator) Validate(ctx context.Context, s *Session) bool {
	if !h.inflight.CompareAndSwap(false, true) {
		h.log.Debug("Validation already in flight; assuming valid.",
			zap.String("session_id", s.ID()))
		return true
	}
	defer h.inflight.Store(false)

	probeCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	if err := s.channel.Probe(probeCtx); err != nil {
		h.log.Warn("Health probe failed.",
			zap.String("session_id", s.ID()),
			zap.String("kind", string(Classify(err))),
			zap.Error(err))
		s.markDegraded("health probe failed: " + err.Error())
		return false
	}
	return true
}
