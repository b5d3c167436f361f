package spawner

import (
	"net/http"
	"strings"

	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/store"
)

type heartbeatRequest struct {
	DaughterID string `json:"daughter_id"`
}

type killRequest struct {
	KilledBy string `json:"killed_by"`
	Reason   string `json:"reason"`
}

// Routes exposes the Spawner HTTP surface.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		active, err := s.store.CountActiveDaughters(r.Context())
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "spawner", "active": active,
			"max_active": s.cfg.MaxActive, "slots_free": s.sem.Available()})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /spawner/health", health)
	mux.HandleFunc("POST /spawner/spawn", s.handleSpawn)
	mux.HandleFunc("POST /spawner/report", s.handleReport)
	mux.HandleFunc("POST /spawner/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /spawn/list", s.handleList)
	mux.HandleFunc("GET /spawn/status/{id}", s.handleStatus)
	mux.HandleFunc("GET /spawn/output/{id}", s.handleOutput)
	mux.HandleFunc("POST /spawn/kill/{id}", s.handleKill)
	mux.HandleFunc("POST /spawn/kill_all", s.handleKillAll)
	return mux
}

func (s *Service) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := s.Spawn(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusAccepted, resp)
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Report(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ok, err := s.Heartbeat(r.Context(), req.DaughterID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := "ok"
	if !ok {
		status = "ignored"
	}
	httpx.OK(w, r, map[string]any{"status": status, "daughter_id": req.DaughterID})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statuses []string
	if v := q.Get("status"); v != "" {
		statuses = strings.Split(v, ",")
	}
	ds, err := s.List(r.Context(), statuses, q.Get("task_id"), httpx.QueryInt(r, "limit", 100, 1, 1000))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if ds == nil {
		ds = []store.Daughter{}
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "daughters": ds, "in_memory": s.Active()})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "daughter": st.Daughter, "attempts": st.Attempts, "in_memory": st.InMemory})
}

func (s *Service) handleOutput(w http.ResponseWriter, r *http.Request) {
	st, err := s.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	d := st.Daughter
	httpx.OK(w, r, map[string]any{"status": "ok", "daughter_id": d.ID, "daughter_status": d.Status,
		"stdout": d.Stdout, "stderr": d.Stderr, "exit_code": d.ExitCode})
}

func (s *Service) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Kill(r.Context(), r.PathValue("id"), req.KilledBy, req.Reason)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleKillAll(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	n, err := s.KillAll(r.Context(), req.KilledBy)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "killed": n})
}

