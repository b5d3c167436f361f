package madre

import (
	"net/http"

	"github.com/vx11/vx11/internal/httpx"
)

// Routes exposes the Madre HTTP surface.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "madre"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /madre/health", health)
	mux.HandleFunc("POST /madre/chat", s.handleChat)
	mux.HandleFunc("POST /madre/control", s.handleControl)
	mux.HandleFunc("POST /madre/intent", s.handleIntent)
	mux.HandleFunc("GET /madre/status", s.handleStatus)
	mux.HandleFunc("POST /madre/callback", s.handleCallback)
	mux.HandleFunc("GET /madre/tasks/active", s.handleActiveTasks)
	mux.HandleFunc("GET /madre/hijas/active", s.handleActiveDaughters)
	mux.HandleFunc("POST /madre/task/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /madre/organize", s.handleOrganize)
	mux.HandleFunc("GET /madre/plans/{id}", s.handlePlan)
	return mux
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := s.Chat(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, resp)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := s.Control(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, resp)
}

func (s *Service) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := s.SubmitIntent(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, r, http.StatusAccepted, resp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Status(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, rep)
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Callback(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ActiveTasks(r.Context(), httpx.QueryInt(r, "limit", 100, 1, 1000))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "count": len(tasks), "tasks": tasks})
}

func (s *Service) handleActiveDaughters(w http.ResponseWriter, r *http.Request) {
	hijas, err := s.ActiveDaughters(r.Context(), httpx.QueryInt(r, "limit", 100, 1, 1000))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "count": len(hijas), "hijas": hijas})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleOrganize(w http.ResponseWriter, r *http.Request) {
	var req OrganizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Organize(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.store.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	actions, err := s.store.ListMadreActions(r.Context(), plan.PlanID, 100)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "plan": plan, "actions": actions})
}
