package sandbox

import (
	"net/http"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/httpx"
)

// Routes exposes the executor over HTTP.
func Routes(e *Executor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "sandbox", "root": e.Root()})
	})
	mux.HandleFunc("GET /mcp/sandbox/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "sandbox"})
	})
	mux.HandleFunc("POST /mcp/sandbox/exec_cmd", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		if req.Cmd == "" {
			httpx.WriteError(w, r, apierr.New(apierr.KindValidation, "cmd is required"))
			return
		}
		res, err := e.Exec(r.Context(), req)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.OK(w, r, res)
	})
	return mux
}
