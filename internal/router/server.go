package router

import (
	"net/http"
	"strings"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/httpx"
)

// Routes exposes the Switch HTTP surface.
func (r *Router) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, req *http.Request) {
		httpx.OK(w, req, map[string]any{"status": "ok", "service": "switch"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /switch/health", health)
	mux.HandleFunc("POST /switch/route-v5", r.handleRoute)
	mux.HandleFunc("POST /switch/task", r.handleTask)
	mux.HandleFunc("POST /switch/advice", r.handleAdvice)
	mux.HandleFunc("GET /switch/fluzo", func(w http.ResponseWriter, req *http.Request) {
		httpx.OK(w, req, r.Fluzo(req.Context()))
	})
	mux.HandleFunc("GET /switch/routing-events", r.handleEvents)
	return mux
}

func (r *Router) handleRoute(w http.ResponseWriter, req *http.Request) {
	var in RouteRequest
	if err := httpx.DecodeJSON(req, &in); err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	if strings.TrimSpace(in.Query) == "" {
		httpx.WriteError(w, req, apierr.New(apierr.KindValidation, "query is required"))
		return
	}
	if in.TraceID == "" {
		in.TraceID = httpx.RequestID(req.Context())
	}
	res, err := r.Route(req.Context(), in)
	if err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	httpx.OK(w, req, res)
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	var in TaskRequest
	if err := httpx.DecodeJSON(req, &in); err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	if in.TaskType == "" {
		httpx.WriteError(w, req, apierr.New(apierr.KindValidation, "task_type is required"))
		return
	}
	res, err := r.Task(req.Context(), in)
	if err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	httpx.OK(w, req, res)
}

func (r *Router) handleAdvice(w http.ResponseWriter, req *http.Request) {
	var in AdviceRequest
	if err := httpx.DecodeJSON(req, &in); err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	httpx.OK(w, req, map[string]any{"status": "ok", "kind": in.Kind, "advice": r.Advise(req.Context(), in)})
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListRoutingEvents(req.Context(), req.URL.Query().Get("trace_id"), httpx.QueryInt(req, "limit", 50, 1, 500))
	if err != nil {
		httpx.WriteError(w, req, err)
		return
	}
	if events == nil {
		httpx.OK(w, req, map[string]any{"status": "ok", "events": []any{}})
		return
	}
	httpx.OK(w, req, map[string]any{"status": "ok", "events": events})
}
