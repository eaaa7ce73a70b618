package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromewarden/internal/config"
	"github.com/xkilldash9x/chromewarden/internal/observability"
)

var cfgFile string

// rootCmd is the base command; every subcommand inherits the
// config → validate → logger bootstrap from PersistentPreRunE.
var rootCmd = &cobra.Command{
	Use:   "chromewarden",
	Short: "chromewarden supervises a controlled browser process over its DevTools channel.",
	Long: `chromewarden finds, launches, connects to, and supervises a
Chromium-family browser process: port negotiation, a circuit breaker
over repeated launch failures, health validation, popup interception,
and coordinated teardown that reaches the process even when graceful
shutdown fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		config.Set(&cfg)

		observability.InitializeLogger(cfg.Logger)
		return nil
	},
}

// Execute runs the CLI with a context wired for graceful shutdown.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil && ctx.Err() == nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./chromewarden.yaml)")

	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig seeds defaults, reads the config file, and binds
// environment variables.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("chromewarden")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CHROMEWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// The executable override is the one input operators most often set
	// from the environment; bind it explicitly so it always takes.
	_ = viper.BindEnv("browser.executable_path", "CHROMEWARDEN_BROWSER_EXECUTABLE_PATH")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
