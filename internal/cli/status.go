package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("VX11 Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var (
	statusJSON    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the health of every service the mode requires",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rows := probeServices(cmd.Context(), httpx.NewClient(cfg.Auth.Header, cfg.Auth.Token), cfg, statusTimeout)
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"mode": cfg.Mode, "services": rows})
		}
		printHeader("VX11 Status")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Mode:    %s\n\n", cfg.Mode)
		down := 0
		for _, r := range rows {
			mark := color.GreenString("✓")
			if !r.OK {
				mark = color.RedString("✗")
				down++
			}
			detail := fmt.Sprintf("%d", r.StatusCode)
			if r.Error != "" {
				detail = r.Error
			}
			fmt.Printf("%s %-13s %-28s %s\n", mark, r.Service, r.URL, detail)
		}
		if down > 0 {
			return fmt.Errorf("%d of %d services unhealthy", down, len(rows))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the report as JSON")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 2*time.Second, "Per-service health timeout")
}

// serviceHealth is one row of the status report.
type serviceHealth struct {
	Service    string `json:"service"`
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// probeServices checks /health of every service in the configured mode, in
// start order.
func probeServices(ctx context.Context, client *httpx.Client, cfg *config.Config, timeout time.Duration) []serviceHealth {
	if ctx == nil {
		ctx = context.Background()
	}
	names := config.ModeServices(cfg.Mode)
	rows := make([]serviceHealth, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		url := cfg.Services.URL(name)
		g.Go(func() error {
			code, err := client.Health(gctx, url+"/health", timeout)
			row := serviceHealth{Service: name, URL: url, StatusCode: code, OK: err == nil && code >= 200 && code < 300}
			if err != nil {
				row.Error = err.Error()
			}
			mu.Lock()
			rows[i] = row
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rows
}
