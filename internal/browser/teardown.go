package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/api/schemas"
)

const (
	pageCloseTimeout = 5 * time.Second
	termGracePeriod  = 3 * time.Second
	killWaitPeriod   = 2 * time.Second
)

// TeardownCoordinator dismantles a session in a fixed order with every
// step isolated: one step failing never prevents the later, more
// forceful steps from running. The force-kill sweep at the end exists
// because PID-based termination can miss orphaned children.
type TeardownCoordinator struct {
	log *zap.Logger

	// signal and sweep are the platform process controls, swappable in
	// tests so teardown can run against a synthetic process.
	signal func(pid int, force bool) error
	sweep  func(execName, marker string) error

	graceWait time.Duration
	killWait  time.Duration
}

// NewTeardownCoordinator returns the default coordinator.
func NewTeardownCoordinator(log *zap.Logger) *TeardownCoordinator {
	return &TeardownCoordinator{
		log:       log.Named("teardown"),
		signal:    signalProcessTree,
		sweep:     sweepStrayProcesses,
		graceWait: termGracePeriod,
		killWait:  killWaitPeriod,
	}
}

// teardownStep is one isolated unit of teardown work.
type teardownStep struct {
	name string
	run  func(ctx context.Context) error
}

// Close tears the session down. Idempotent: the first caller runs the
// steps, every later call is a no-op returning nil. The aggregated
// step errors are returned for observability but each failure was
// already logged in place.
func (t *TeardownCoordinator) Close(ctx context.Context, s *Session) error {
	var err error
	s.closeOnce.Do(func() {
		s.setStatus(schemas.StatusClosed)
		t.log.Info("Tearing down session.", zap.String("session_id", s.id))
		err = t.runSteps(ctx, t.stepsFor(s))
	})
	return err
}

// runSteps executes every step regardless of earlier failures and
// aggregates the errors.
func (t *TeardownCoordinator) runSteps(ctx context.Context, steps []teardownStep) error {
	var errs []error
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			t.log.Warn("Teardown step failed; continuing.",
				zap.String("step", step.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}

// stepsFor builds the ordered step list for one session: close pages,
// close the control channel, terminate the process tree, stop the
// auxiliary display, sweep strays, and reclaim the profile directory.
func (t *TeardownCoordinator) stepsFor(s *Session) []teardownStep {
	return []teardownStep{
		{name: "close_pages", run: func(ctx context.Context) error {
			var errs []error
			for _, p := range s.pagesSnapshot() {
				closeCtx, cancel := context.WithTimeout(ctx, pageCloseTimeout)
				if err := p.Close(closeCtx); err != nil {
					errs = append(errs, err)
				}
				cancel()
			}
			return errors.Join(errs...)
		}},
		{name: "close_channel", run: func(ctx context.Context) error {
			if s.channel == nil {
				return nil
			}
			s.channel.Close()
			if s.supervisor != nil {
				waitCtx, cancel := context.WithTimeout(ctx, pageCloseTimeout)
				defer cancel()
				if err := s.supervisor.wait(waitCtx); err != nil {
					return fmt.Errorf("waiting for background loops: %w", err)
				}
			}
			return nil
		}},
		{name: "kill_process_tree", run: func(ctx context.Context) error {
			return t.killProcessTree(s.proc)
		}},
		{name: "stop_display", run: func(ctx context.Context) error {
			if s.proc == nil || s.proc.display == nil {
				return nil
			}
			return s.proc.display.Stop()
		}},
		{name: "sweep_strays", run: func(ctx context.Context) error {
			if s.proc == nil {
				return nil
			}
			return t.sweep(s.proc.execName(), s.proc.userDataDir)
		}},
		{name: "remove_profile", run: func(ctx context.Context) error {
			if s.proc == nil || !s.proc.ownsDataDir {
				return nil
			}
			return os.RemoveAll(s.proc.userDataDir)
		}},
	}
}

// killProcessTree terminates the whole process group: graceful TERM,
// a grace window, then KILL. A process that already exited is left
// alone so an earlier graceful shutdown is never followed by a
// redundant kill.
func (t *TeardownCoordinator) killProcessTree(proc *Process) error {
	if proc == nil || proc.Exited() {
		return nil
	}
	if err := t.signal(proc.pid, false); err != nil {
		t.log.Debug("Graceful termination signal failed.",
			zap.Int("pid", proc.pid), zap.Error(err))
	}
	if proc.waitExit(t.graceWait) {
		return nil
	}
	if err := t.signal(proc.pid, true); err != nil {
		return fmt.Errorf("force-killing process tree %d: %w", proc.pid, err)
	}
	if !proc.waitExit(t.killWait) {
		return fmt.Errorf("process %d did not exit after SIGKILL", proc.pid)
	}
	return nil
}

// destroyProcess reclaims a process that never became a session:
// launch succeeded but a later initialization state failed. Best
// effort; errors are logged by the caller as teardown-phase noise and
// never override the primary failure.
func (t *TeardownCoordinator) destroyProcess(proc *Process) error {
	if proc == nil {
		return nil
	}
	var errs []error
	if err := t.killProcessTree(proc); err != nil {
		errs = append(errs, err)
	}
	if proc.display != nil {
		if err := proc.display.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.sweep(proc.execName(), proc.userDataDir); err != nil {
		errs = append(errs, err)
	}
	if proc.ownsDataDir {
		if err := os.RemoveAll(proc.userDataDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
