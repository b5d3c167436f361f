package manifestator

import (
	"net/http"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/httpx"
)

// Routes exposes the Manifestator HTTP surface.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{"status": "ok", "service": "manifestator"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /manifestator/health", health)
	mux.HandleFunc("GET /manifestator/canon", func(w http.ResponseWriter, r *http.Request) {
		httpx.OK(w, r, map[string]any{"status": "ok", "canonical_map": s.canon})
	})
	mux.HandleFunc("POST /manifestator/validate", s.handleValidate)
	mux.HandleFunc("POST /manifestator/patchplan", s.handlePlan)
	mux.HandleFunc("POST /manifestator/builder/spec", s.handleBuilderSpec)
	mux.HandleFunc("POST /manifestator/apply", s.handleApply)
	mux.HandleFunc("POST /manifestator/rollback", s.handleRollback)
	return mux
}

type patchEnvelope struct {
	Patch  *Patch `json:"patch"`
	DryRun *bool  `json:"dry_run,omitempty"`
}

func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request) {
	var in patchEnvelope
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	problems := Validate(in.Patch)
	status := "ok"
	if len(problems) > 0 {
		status = "invalid"
	} else {
		problems = []OpError{}
	}
	httpx.OK(w, r, map[string]any{"status": status, "valid": status == "ok", "errors": problems})
}

func (s *Service) handlePlan(w http.ResponseWriter, r *http.Request) {
	var in PlanRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	patch, drift, err := s.Plan(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "patch": patch, "drift": drift})
}

func (s *Service) handleBuilderSpec(w http.ResponseWriter, r *http.Request) {
	var in BuilderRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	m, doc, err := s.BuilderSpec(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, map[string]any{"status": "ok", "format": "yaml", "spec": doc, "canonical_map": m})
}

// handleApply defaults to a dry run; dry_run:false performs the patch.
func (s *Service) handleApply(w http.ResponseWriter, r *http.Request) {
	var in patchEnvelope
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if in.Patch == nil {
		httpx.WriteError(w, r, apierr.New(apierr.KindValidation, "patch is required"))
		return
	}
	dryRun := in.DryRun == nil || *in.DryRun
	res, err := s.Apply(r.Context(), in.Patch, dryRun)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}

func (s *Service) handleRollback(w http.ResponseWriter, r *http.Request) {
	var in RollbackRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.Rollback(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.OK(w, r, res)
}
