package hermes

import (
	"net/http"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/store"
)

// SelectRequest is the body of POST /hermes/select-engine.
type SelectRequest struct {
	Domain  string        `json:"domain"`
	Context SelectContext `json:"context"`
}

// SelectResponse carries the selection, or a nil engine for "none".
type SelectResponse struct {
	Status string     `json:"status"`
	Engine *Selection `json:"engine"`
	Reason string     `json:"reason,omitempty"`
}

// QuotaRequest is the body of POST /hermes/use-quota.
type QuotaRequest struct {
	EngineID string `json:"engine_id"`
	Tokens   int    `json:"tokens"`
}

// QuotaResponse reports whether the charge was applied.
type QuotaResponse struct {
	Status            string `json:"status"`
	OK                bool   `json:"ok"`
	EngineID          string `json:"engine_id"`
	QuotaUsedToday    int    `json:"quota_used_today"`
	QuotaTokensPerDay int    `json:"quota_tokens_per_day"`
}

type registerRequest struct {
	store.Engine
	Enabled *bool `json:"enabled"`
}

// Routes exposes the registry over HTTP.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		engines, clis, err := s.store.CountRegistry(r.Context())
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "hermes", "engines": engines, "clis": clis})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /hermes/health", health)
	mux.HandleFunc("POST /hermes/select-engine", s.handleSelect)
	mux.HandleFunc("POST /hermes/use-quota", s.handleUseQuota)
	mux.HandleFunc("GET /hermes/catalog", s.handleCatalog)
	mux.HandleFunc("POST /hermes/discover", s.handleDiscover)
	mux.HandleFunc("POST /hermes/execute", s.handleExecute)
	mux.HandleFunc("POST /hermes/engines", s.handleRegister)
	mux.HandleFunc("GET /hermes/usage", s.handleUsage)
	return mux
}

func (s *Service) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.Domain == "" {
		httpx.WriteError(w, r, apierr.New(apierr.KindValidation, "domain is required"))
		return
	}
	sel, err := s.SelectEngine(r.Context(), req.Domain, req.Context)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := SelectResponse{Status: "ok", Engine: sel}
	if sel == nil {
		resp.Reason = "none"
	}
	httpx.OK(w, r, resp)
}

func (s *Service) handleUseQuota(w http.ResponseWriter, r *http.Request) {
	var req QuotaRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ok, e, err := s.UseQuota(r.Context(), req.EngineID, req.Tokens)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, QuotaResponse{
		Status: "ok", OK: ok, EngineID: e.ID,
		QuotaUsedToday: e.QuotaUsedToday, QuotaTokensPerDay: e.QuotaTokensPerDay,
	})
}

func (s *Service) handleCatalog(w http.ResponseWriter, r *http.Request) {
	c, err := s.Catalog(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, c)
}

func (s *Service) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rep, err := s.Discover(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, rep)
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Execute(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	e := req.Engine
	e.Enabled = req.Enabled == nil || *req.Enabled
	created, err := s.RegisterEngine(r.Context(), &e)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, r, status, map[string]any{"status": "ok", "created": created, "engine_id": e.ID})
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListUsageStats(r.Context(), r.URL.Query().Get("engine_id"), httpx.QueryInt(r, "limit", 100, 1, 1000))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "stats": nonNil(stats)})
}
