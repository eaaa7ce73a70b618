package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/api/schemas"
	"github.com/xkilldash9x/chromewarden/internal/browser"
	"github.com/xkilldash9x/chromewarden/internal/config"
	"github.com/xkilldash9x/chromewarden/internal/observability"
)

var (
	runHeadless bool
	runURL      string
	runFlags    []string
)

// runCmd initializes a supervised session, streams supervisor events
// until the context is cancelled, then tears everything down.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch and supervise a browser session until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Get()
		logger := observability.GetLogger()
		defer observability.Sync()

		flags, err := parseFlagOverrides(runFlags)
		if err != nil {
			return err
		}

		breaker := browser.NewCircuitBreaker(cfg.Supervisor.BreakerThreshold, cfg.Supervisor.BreakerCooldown)
		manager := browser.NewManager(cfg, breaker, logger)

		opts := schemas.SessionOptions{
			Flags:    flags,
			StartURL: runURL,
		}
		if cmd.Flags().Changed("headless") {
			opts.Headless = &runHeadless
		}

		session, err := manager.InitializeSession(ctx, opts)
		if err != nil {
			return fmt.Errorf("initializing session: %w", err)
		}
		info := session.Info()
		logger.Info("Session running.",
			zap.String("session_id", info.ID),
			zap.Int("pid", info.PID),
			zap.String("endpoint", info.Endpoint))

		for {
			select {
			case <-ctx.Done():
				logger.Info("Shutting down session.")
				// The run context is already cancelled; teardown gets a
				// fresh one so the graceful steps still have their
				// deadlines before the force-kill backstop.
				return manager.CloseSession(context.Background())
			case ev := <-manager.Events():
				logger.Info("Supervisor event.",
					zap.String("type", string(ev.Type)),
					zap.String("session_id", ev.SessionID),
					zap.Any("fields", ev.Fields))
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "run the browser headless")
	runCmd.Flags().StringVar(&runURL, "url", "", "URL to open on the primary page")
	runCmd.Flags().StringArrayVar(&runFlags, "flag", nil, "extra launch flag as key=value (repeatable)")
}

// parseFlagOverrides turns repeated key=value arguments into the launch
// flag map. A bare key produces a valueless switch.
func parseFlagOverrides(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	flags := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, _ := strings.Cut(entry, "=")
		key = strings.TrimPrefix(strings.TrimSpace(key), "--")
		if key == "" {
			return nil, fmt.Errorf("invalid --flag entry %q", entry)
		}
		flags[key] = value
	}
	return flags, nil
}
