package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/chromewarden/internal/browser"
	"github.com/xkilldash9x/chromewarden/internal/config"
	"github.com/xkilldash9x/chromewarden/internal/observability"
)

// doctorCmd runs the launch preflight without starting a process:
// executable discovery, host resolution, and the port-range scan.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check what a launch would use: executable, host, and debugging port.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		logger := observability.GetLogger()

		locator := browser.NewExecLocator(logger)
		execPath, err := locator.Locate(cfg.Browser.ExecutablePath)
		if err != nil {
			fmt.Printf("executable:  NOT FOUND (%v)\n", err)
			return err
		}
		fmt.Printf("executable:  %s\n", execPath)

		ports := browser.NewNetPortFinder(logger)
		host := ports.ResolveConnectableHost()
		fmt.Printf("host:        %s\n", host)

		port, err := ports.FindAvailablePort(host, cfg.Supervisor.PortRangeStart, cfg.Supervisor.PortRangeEnd)
		if err != nil {
			fmt.Printf("port:        NONE AVAILABLE in %d-%d (%v)\n",
				cfg.Supervisor.PortRangeStart, cfg.Supervisor.PortRangeEnd, err)
			return err
		}
		fmt.Printf("port:        %d (scanned %d-%d)\n",
			port, cfg.Supervisor.PortRangeStart, cfg.Supervisor.PortRangeEnd)
		fmt.Printf("headless:    %t\n", cfg.Browser.Headless)
		fmt.Println("launch preflight OK")
		return nil
	},
}
