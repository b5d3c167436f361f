package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/hermes"
)

var (
	discoverApply bool
	discoverJSON  bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan local models and known CLIs into the Hermes registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rt := newRuntime(cfg)
		defer rt.Close()
		s, err := rt.openStore()
		if err != nil {
			return err
		}
		svc := hermes.New(s, cfg.Hermes, rt.client, cfg.Services.URL(config.ServiceSandbox))
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rep, err := svc.Discover(ctx, hermes.DiscoverRequest{Apply: discoverApply})
		if err != nil {
			return err
		}
		if discoverJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		printHeader("VX11 Discover")
		fmt.Printf("Models: %d\n", len(rep.Models))
		for _, m := range rep.Models {
			fmt.Printf("  %s  %s\n", m.Name, m.Endpoint)
		}
		fmt.Printf("CLIs:   %d\n", len(rep.CLIs))
		for _, c := range rep.CLIs {
			fmt.Printf("  %-10s %s\n", c.Name, c.BinPath)
		}
		for _, w := range rep.Warnings {
			fmt.Println(color.YellowString("warning: %s", w))
		}
		if discoverApply {
			fmt.Printf("Created engines: %d, CLIs: %d\n", rep.CreatedEngines, rep.CreatedCLIs)
		} else {
			fmt.Println("Dry run; pass --apply to register.")
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverApply, "apply", false, "Upsert the findings into the registry")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print the report as JSON")
}
