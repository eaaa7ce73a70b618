package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure category attached to every error surfaced by the
// supervisor. Classification drives the circuit breaker and the retry
// policy, so the categories matter more than the concrete error types
// underneath them.
type Kind string

const (
	// KindExecutableNotFound: no browser binary anywhere. Fatal; a
	// retry without a different path cannot succeed.
	KindExecutableNotFound Kind = "executable_not_found"
	// KindNoPortAvailable: the scan range is exhausted. Fatal for the
	// attempt, but says nothing about process health.
	KindNoPortAvailable Kind = "no_port_available"
	// KindCircuitOpen: the breaker gated the attempt. Self-resolving
	// once the cooldown elapses.
	KindCircuitOpen Kind = "circuit_open"
	// KindConnectTimeout: the control channel did not come up within
	// its deadline.
	KindConnectTimeout Kind = "connect_timeout"
	// KindChannelClosed: the control connection dropped.
	KindChannelClosed Kind = "channel_closed"
	// KindProtocolError: the channel spoke, but not the dialect we
	// expected.
	KindProtocolError Kind = "protocol_error"
	// KindFrameOrTargetLost: the page or target went away mid-command.
	KindFrameOrTargetLost Kind = "frame_or_target_lost"
	// KindElementNotFound: a caller-level DOM miss, unrelated to
	// session health.
	KindElementNotFound Kind = "element_not_found"
	// KindMaxDepthExceeded: the bounded initialization recursion hit
	// its ceiling.
	KindMaxDepthExceeded Kind = "max_depth_exceeded"
	// KindUnknown is the fail-safe bucket; unknown failures still count
	// against the breaker.
	KindUnknown Kind = "unknown"
)

// ClassifiedError pairs a Kind with the raw underlying error so callers
// always see both the category and the original message.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// classified wraps err under the given kind. A nil err is allowed for
// failures that are pure policy decisions (gating, depth).
func classified(kind Kind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// classifiedf is the fmt-style variant of classified.
func classifiedf(kind Kind, format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// substring tables consulted by Classify, checked in order. The
// channel's error strings are the only classification signal available
// for failures that bubble up untyped.
var kindSubstrings = []struct {
	kind    Kind
	needles []string
}{
	{KindConnectTimeout, []string{
		"context deadline exceeded",
		"i/o timeout",
		"timed out waiting",
	}},
	{KindFrameOrTargetLost, []string{
		"no such frame",
		"frame with given id",
		"target closed",
		"target crashed",
		"detached from target",
		"session with given id not found",
		"inspected target navigated or closed",
	}},
	{KindElementNotFound, []string{
		"node not found",
		"could not find node",
		"element not found",
		"waiting for selector",
	}},
	{KindChannelClosed, []string{
		"websocket: close",
		"use of closed network connection",
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"unexpected eof",
	}},
	{KindProtocolError, []string{
		"protocol error",
		"unknown command",
		"invalid character",
		"unmarshal event",
	}},
}

// Classify maps an arbitrary error onto the taxonomy. Typed
// classifications win; otherwise the message is matched against known
// substrings, and anything unmatched lands in KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindChannelClosed
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range kindSubstrings {
		for _, needle := range entry.needles {
			if strings.Contains(msg, needle) {
				return entry.kind
			}
		}
	}
	return KindUnknown
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// countsAsBreakerFailure reports whether a failure of this kind feeds
// the launch circuit breaker. Gating outcomes, local policy stops,
// environment problems that relaunching cannot fix, and caller-level
// DOM misses do not; everything that could indicate a broken process
// does, including KindUnknown.
func countsAsBreakerFailure(kind Kind) bool {
	switch kind {
	case KindConnectTimeout, KindChannelClosed, KindProtocolError, KindFrameOrTargetLost, KindUnknown:
		return true
	default:
		return false
	}
}

// retryableDuringInit reports whether the initializer may attempt its
// single nested recovery pass after a failure of this kind.
func retryableDuringInit(kind Kind) bool {
	return countsAsBreakerFailure(kind)
}
