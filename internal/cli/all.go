package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vx11/vx11/internal/config"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every service the configured mode requires in one process",
	Long: "Starts the services of VX11_MODE leaves first (sandbox, hermes, switch, spawner,\n" +
		"manifestator, madre, hormiguero, gateway), sharing one store connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		names := config.ModeServices(cfg.Mode)
		if len(names) == 0 {
			return fmt.Errorf("mode %q requires no services", cfg.Mode)
		}
		printHeader(fmt.Sprintf("VX11 (mode %s)", cfg.Mode))
		return runServices(names...)
	},
}
