// Command vx11_stability_p0 starts the services of a mode profile over
// several cycles and writes a JSON and Markdown stability report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/stability"
)

var (
	cycles      int
	mode        string
	outDir      string
	binary      string
	runTests    bool
	moduleDir   string
	maxAttempts int
	maxRestarts int
	backoffBase time.Duration
	backoffMax  time.Duration
	probeTO     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "vx11_stability_p0",
	Short: "Run VX11 start/health/stop stability cycles",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&cycles, "cycles", 3, "Number of cycles")
	f.StringVar(&mode, "mode", "", "Mode profile (defaults to VX11_MODE or the config file)")
	f.StringVar(&outDir, "out", "build/stability", "Report directory")
	f.StringVar(&binary, "binary", "", "Path to the vx11 binary (default: next to this one, then PATH)")
	f.BoolVar(&runTests, "tests", false, "Run each module's go tests while services are up")
	f.StringVar(&moduleDir, "module-dir", ".", "Module root for --tests")
	f.IntVar(&maxAttempts, "max-attempts", 8, "Health attempts per service")
	f.IntVar(&maxRestarts, "max-restarts", 2, "Relaunches allowed when a service exits early")
	f.DurationVar(&backoffBase, "backoff-base", 250*time.Millisecond, "First health retry delay")
	f.DurationVar(&backoffMax, "backoff-max", 5*time.Second, "Health retry delay cap")
	f.DurationVar(&probeTO, "probe-timeout", 2*time.Second, "Health request timeout")
}

func resolveBinary() string {
	if binary != "" {
		return binary
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "vx11")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "vx11"
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if mode == "" {
		mode = cfg.Mode
	}

	client := httpx.NewClient(cfg.Auth.Header, cfg.Auth.Token)
	probe := func(ctx context.Context, url string) (int, error) {
		return client.Health(ctx, url, probeTO)
	}
	var tests stability.TestRunner
	if runTests {
		tests = &stability.GoTestRunner{ModuleDir: moduleDir}
	}
	launcher := &stability.ExecLauncher{
		Binary: resolveBinary(),
		Env:    []string{"VX11_MODE=" + mode},
		LogDir: filepath.Join(outDir, "logs"),
	}
	h, err := stability.New(stability.Options{
		Cycles:      cycles,
		Mode:        mode,
		MaxAttempts: maxAttempts,
		MaxRestarts: maxRestarts,
		BackoffBase: backoffBase,
		BackoffMax:  backoffMax,
		ProcRoot:    "/proc",
	}, cfg.Services, launcher, probe, tests)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Printf("Running %d cycle(s) of mode %s with %s\n", cycles, mode, launcher.Binary)
	rep, runErr := h.Run(ctx)

	jsonPath, mdPath, err := rep.WriteFiles(outDir)
	if err != nil {
		return err
	}
	fmt.Printf("Report: %s\n        %s\n", jsonPath, mdPath)
	if runErr != nil {
		return runErr
	}
	if !rep.OK() {
		fmt.Println(color.RedString("✗ %d of %d cycles failed", rep.Summary.Failed, rep.Summary.Cycles))
		return fmt.Errorf("stability check failed")
	}
	fmt.Println(color.GreenString("✓ %d cycles passed (%d restarts)", rep.Summary.Passed, rep.Summary.TotalRestarts))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
