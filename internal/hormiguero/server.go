package hormiguero

import (
	"net/http"

	"github.com/vx11/vx11/internal/httpx"
)

// Routes exposes the Hormiguero HTTP surface.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{
			"status":             "ok",
			"service":            "hormiguero",
			"ants":               s.queen.Ants(),
			"cpu_sustained_high": s.queen.CPUSustainedHigh(),
		})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /hormiguero/health", health)
	mux.HandleFunc("POST /hormiguero/scan/once", s.handleScan)
	mux.HandleFunc("GET /hormiguero/state", s.handleState)
	mux.HandleFunc("GET /hormiguero/incidents", s.handleIncidents)
	mux.HandleFunc("GET /hormiguero/pheromones", s.handlePheromones)
	mux.HandleFunc("POST /hormiguero/pheromones", s.handlePropose)
	mux.HandleFunc("POST /hormiguero/pheromones/{id}/approve", s.handleRespond(true))
	mux.HandleFunc("POST /hormiguero/pheromones/{id}/deny", s.handleRespond(false))
	mux.HandleFunc("POST /hormiguero/actions/preview", s.handlePreview)
	mux.HandleFunc("POST /hormiguero/actions/apply", s.handleApply)
	return mux
}

func (s *Service) handleScan(w http.ResponseWriter, r *http.Request) {
	var in ScanRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	report, err := s.queen.Tick(r.Context(), in)
	if report == nil && err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	httpx.OK(w, r, map[string]any{"status": status, "report": report})
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListHormigaStates(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{
		"status":             "ok",
		"ants":               states,
		"cpu_sustained_high": s.queen.CPUSustainedHigh(),
		"scan_interval_sec":  int(s.queen.Interval().Seconds()),
		"last_tick":          s.queen.LastTick(),
	})
}

func (s *Service) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := httpx.QueryInt(r, "limit", 100, 1, 1000)
	incidents, err := s.store.ListIncidents(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "incidents": incidents, "count": len(incidents)})
}

func (s *Service) handlePheromones(w http.ResponseWriter, r *http.Request) {
	limit := httpx.QueryInt(r, "limit", 100, 1, 1000)
	list, err := s.store.ListPheromones(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "pheromones": list, "count": len(list)})
}

func (s *Service) handlePropose(w http.ResponseWriter, r *http.Request) {
	var in ProposeRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := s.exec.Propose(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusCreated, map[string]any{"status": "ok", "pheromone": p})
}

type respondRequest struct {
	By string `json:"by,omitempty"`
}

func (s *Service) handleRespond(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in respondRequest
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		p, err := s.RespondPheromone(r.Context(), r.PathValue("id"), approved, in.By)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.OK(w, r, map[string]any{"status": "ok", "pheromone": p})
	}
}

type previewRequest struct {
	Actions []ActionRequest `json:"actions"`
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	var in previewRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	verdicts := Preview(in.Actions)
	allowed := 0
	for _, v := range verdicts {
		if v.Allowed {
			allowed++
		}
	}
	httpx.OK(w, r, map[string]any{
		"status":          "ok",
		"actions":         verdicts,
		"allowed":         allowed,
		"denied":          len(verdicts) - allowed,
		"actions_enabled": s.exec.enabled,
	})
}

func (s *Service) handleApply(w http.ResponseWriter, r *http.Request) {
	var in ApplyRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := s.exec.Apply(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, resp)
}
