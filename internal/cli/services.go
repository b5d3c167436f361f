package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vx11/vx11/internal/bus"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/gateway"
	"github.com/vx11/vx11/internal/hermes"
	"github.com/vx11/vx11/internal/hormiguero"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/madre"
	"github.com/vx11/vx11/internal/manifestator"
	"github.com/vx11/vx11/internal/router"
	"github.com/vx11/vx11/internal/sandbox"
	"github.com/vx11/vx11/internal/spawner"
	"github.com/vx11/vx11/internal/store"
)

// serviceNames are the per-service sub-commands, in the order help lists them.
var serviceNames = []string{
	config.ServiceGateway,
	config.ServiceMadre,
	config.ServiceSwitch,
	config.ServiceHermes,
	config.ServiceSpawner,
	config.ServiceHormiguero,
	config.ServiceManifestator,
	config.ServiceSandbox,
}

var serviceShort = map[string]string{
	config.ServiceGateway:      "Run the authenticated front door",
	config.ServiceMadre:        "Run the orchestrator",
	config.ServiceSwitch:       "Run the query router",
	config.ServiceHermes:       "Run the engine and CLI registry",
	config.ServiceSpawner:      "Run the daughter process manager",
	config.ServiceHormiguero:   "Run the autonomic scanner",
	config.ServiceManifestator: "Run the filesystem reconciler",
	config.ServiceSandbox:      "Run the sandboxed command executor",
}

// component is one runnable service: its HTTP server plus background loops.
type component struct {
	name    string
	handler http.Handler
	server  *httpx.Server
	loops   []func(context.Context) error
	close   func()
}

// runtime holds what the components of one process share.
type runtime struct {
	cfg    *config.Config
	client *httpx.Client

	mu    sync.Mutex
	store *store.Store
}

func newRuntime(cfg *config.Config) *runtime {
	return &runtime{cfg: cfg, client: httpx.NewClient(cfg.Auth.Header, cfg.Auth.Token)}
}

// openStore opens the shared store once per process.
func (rt *runtime) openStore() (*store.Store, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.store != nil {
		return rt.store, nil
	}
	s, err := store.Open(rt.cfg.Store.Driver, rt.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	rt.store = s
	return s, nil
}

func (rt *runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.store != nil {
		rt.store.Close()
		rt.store = nil
	}
}

// build assembles the named service.
func (rt *runtime) build(name string) (*component, error) {
	cfg := rt.cfg
	ep, ok := cfg.Services.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	c := &component{name: name}
	var needsAuth = true

	switch name {
	case config.ServiceGateway:
		b := bus.New(cfg.Gateway.RecentEvents)
		if cfg.Events.KafkaBrokers != "" {
			b.AddSink(bus.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic))
			slog.Info("Gateway event sink enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
		}
		g, err := gateway.New(cfg, b)
		if err != nil {
			return nil, err
		}
		c.handler = g.Handler()
		c.loops = append(c.loops, b.Dispatch)
		needsAuth = false

	case config.ServiceMadre:
		s, err := rt.openStore()
		if err != nil {
			return nil, err
		}
		c.handler = madre.New(s, cfg, rt.client).Routes()

	case config.ServiceSwitch:
		s, err := rt.openStore()
		if err != nil {
			return nil, err
		}
		reg := hermes.NewClient(rt.client, cfg.Services.URL(config.ServiceHermes), config.Seconds(cfg.Madre.HealthTimeoutSec, 5*time.Second))
		c.handler = router.New(reg, s, cfg.Switch).Routes()

	case config.ServiceHermes:
		s, err := rt.openStore()
		if err != nil {
			return nil, err
		}
		c.handler = hermes.New(s, cfg.Hermes, rt.client, cfg.Services.URL(config.ServiceSandbox)).Routes()

	case config.ServiceSpawner:
		s, err := rt.openStore()
		if err != nil {
			return nil, err
		}
		sp := spawner.New(s, cfg.Spawner, rt.client, spawner.Endpoints{
			Sandbox: cfg.Services.URL(config.ServiceSandbox),
			Madre:   cfg.Services.URL(config.ServiceMadre),
			Gateway: cfg.Services.URL(config.ServiceGateway),
		})
		c.handler = sp.Routes()
		c.loops = append(c.loops, sp.Sweeper().Run)
		c.close = sp.Close

	case config.ServiceHormiguero:
		s, err := rt.openStore()
		if err != nil {
			return nil, err
		}
		h, err := hormiguero.New(s, cfg, rt.client)
		if err != nil {
			return nil, err
		}
		c.handler = h.Routes()
		if cfg.Hormiguero.Enabled {
			c.loops = append(c.loops, h.Run)
		} else {
			slog.Info("Hormiguero scan loop disabled; serving on-demand scans only")
		}
		c.close = h.Close

	case config.ServiceManifestator:
		m, err := manifestator.New(cfg.Manifestator, rt.client, cfg.Services.URL(config.ServiceGateway))
		if err != nil {
			return nil, err
		}
		c.handler = m.Routes()
		c.close = m.Close

	case config.ServiceSandbox:
		e, err := sandbox.NewExecutor(cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		c.handler = sandbox.Routes(e)

	default:
		return nil, fmt.Errorf("service %q has no runner", name)
	}

	var mw []func(http.Handler) http.Handler
	if needsAuth {
		mw = append(mw, httpx.AuthMiddleware(cfg.Auth.EnableAuth, cfg.Auth.Header, cfg.Auth.Token))
	}
	c.server = httpx.NewServer(name, ep.Addr(), c.handler, mw...)
	return c, nil
}

// runComponents binds every server first, then runs servers and loops until
// ctx is cancelled or one of them fails.
func runComponents(ctx context.Context, comps []*component) error {
	for _, c := range comps {
		if err := c.server.Listen(); err != nil {
			return fmt.Errorf("%s: listen %s: %w", c.name, c.server.Addr(), err)
		}
		fmt.Printf("%s %-13s %s\n", color.GreenString("●"), c.name, c.server.Addr())
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comps {
		g.Go(func() error { return c.server.Run(gctx) })
		for _, loop := range c.loops {
			g.Go(func() error {
				if err := loop(gctx); err != nil && gctx.Err() == nil {
					return fmt.Errorf("%s: %w", c.name, err)
				}
				return nil
			})
		}
	}
	err := g.Wait()
	for _, c := range comps {
		if c.close != nil {
			c.close()
		}
	}
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Config error: %v", err))
		os.Exit(1)
	}
	if logLevel == "" && logFormat == "" {
		setupLogging(cfg.Log.Level, cfg.Log.Format)
	}
	return cfg
}

func runServices(names ...string) error {
	cfg := loadConfig()
	rt := newRuntime(cfg)
	defer rt.Close()

	comps := make([]*component, 0, len(names))
	for _, name := range names {
		c, err := rt.build(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		comps = append(comps, c)
	}
	ctx, stop := signalContext()
	defer stop()
	return runComponents(ctx, comps)
}

var sandboxMCP bool

func newServiceCmd(name string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: serviceShort[name],
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == config.ServiceSandbox && sandboxMCP {
				return serveSandboxMCP()
			}
			printHeader("VX11 " + name)
			return runServices(name)
		},
	}
	if name == config.ServiceSandbox {
		cmd.Flags().BoolVar(&sandboxMCP, "mcp", false, "Serve exec_cmd as an MCP tool over stdio instead of HTTP")
	}
	return cmd
}

// serveSandboxMCP keeps stdout clean for the MCP protocol.
func serveSandboxMCP() error {
	cfg := loadConfig()
	e, err := sandbox.NewExecutor(cfg.Sandbox)
	if err != nil {
		return err
	}
	return sandbox.ServeStdio(e, version)
}
