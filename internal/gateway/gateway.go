// Package gateway is the authenticated front door. It proxies
// /<module>/<path> to the module's base URL, keeps the cluster event feed
// and never interprets business payloads.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/bus"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
)

// proxied lists the modules reachable through /<module>/.
var proxied = append(slices.Clone(config.StartOrder), config.ServiceShub)

// Gateway routes external requests to the internal services.
type Gateway struct {
	cfg       *config.Config
	bus       *bus.Bus
	limiter   *Limiter
	transport http.RoundTripper
	proxies   map[string]*httputil.ReverseProxy
}

// New builds the proxies for every configured module. b receives ingested
// events and may be shared with a dispatcher.
func New(cfg *config.Config, b *bus.Bus) (*Gateway, error) {
	timeout := config.Seconds(cfg.Gateway.ProxyTimeoutSec, 30*time.Second)
	g := &Gateway{
		cfg:     cfg,
		bus:     b,
		limiter: NewLimiter(cfg.Gateway.RateLimitPerMinute),
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
		proxies: map[string]*httputil.ReverseProxy{},
	}
	for _, name := range proxied {
		if name == config.ServiceGateway {
			continue
		}
		raw := cfg.Services.URL(name)
		if raw == "" {
			continue
		}
		target, err := url.Parse(raw)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "service url for "+name)
		}
		g.proxies[name] = g.newProxy(name, target)
	}
	return g, nil
}

// Limiter exposes the rate limiter for the server middleware chain.
func (g *Gateway) Limiter() *Limiter { return g.limiter }

func (g *Gateway) newProxy(name string, target *url.URL) *httputil.ReverseProxy {
	header, token := g.cfg.Auth.Header, g.cfg.Auth.Token
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawPath = pr.In.URL.RawPath
			pr.SetXForwarded()
			if token != "" {
				pr.Out.Header.Set(header, token)
			}
			if id := httpx.RequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(httpx.RequestIDHeader, id)
			}
		},
		Transport: g.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Proxy upstream failed", "module", name, "path", r.URL.Path, "error", err)
			httpx.WriteError(w, r, classifyProxyError(name, err))
		},
	}
}

func classifyProxyError(module string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.Wrap(apierr.KindUpstreamTimeout, err, module+" timed out")
	}
	return apierr.Wrap(apierr.KindUpstreamUnavailable, err, module+" unavailable")
}

// Routes returns the gateway mux: health, event feed and the module proxy.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /events/ingest", g.handleIngest)
	mux.HandleFunc("GET /events/recent", g.handleRecent)
	mux.HandleFunc("/{module}/{rest...}", g.handleProxy)
	return mux
}

// Handler wraps Routes with CORS, auth and rate limiting, outermost first.
func (g *Gateway) Handler() http.Handler {
	h := g.Routes()
	h = g.limiter.Middleware(g.cfg.Auth.Header)(h)
	h = httpx.AuthMiddleware(g.cfg.Auth.EnableAuth, g.cfg.Auth.Header, g.cfg.Auth.Token)(h)
	return httpx.CORSMiddleware(g.cfg.Gateway.CORSAllowOrigins, g.cfg.Auth.Header)(h)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	modules := make([]string, 0, len(g.proxies))
	for _, name := range proxied {
		if _, ok := g.proxies[name]; ok {
			modules = append(modules, name)
		}
	}
	httpx.OK(w, r, map[string]any{
		"status":   "ok",
		"service":  config.ServiceGateway,
		"mode":     g.cfg.Mode,
		"services": config.ModeServices(g.cfg.Mode),
		"routes":   modules,
	})
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	module := strings.ToLower(r.PathValue("module"))
	if module == "spawn" {
		module = config.ServiceSpawner
	}
	p, ok := g.proxies[module]
	if !ok {
		httpx.WriteError(w, r, apierr.New(apierr.KindNotFound, "unknown module %q", r.PathValue("module")))
		return
	}
	p.ServeHTTP(w, r)
}

type ingestRequest struct {
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in ingestRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(in.Type) == "" {
		httpx.WriteError(w, r, apierr.New(apierr.KindValidation, "type is required"))
		return
	}
	if in.Source == "" {
		in.Source = "unknown"
	}
	evt := &bus.Event{Type: in.Type, Source: in.Source, Payload: in.Payload}
	queued := g.bus.Publish(evt)
	httpx.WriteJSON(w, r, http.StatusAccepted, map[string]any{"status": "ok", "id": evt.ID, "queued": queued})
}

func (g *Gateway) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := httpx.QueryInt(r, "limit", 50, 1, 1000)
	events := g.bus.Recent(limit)
	if t := r.URL.Query().Get("type"); t != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Type == t {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "events": events, "count": len(events)})
}
