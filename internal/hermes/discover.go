package hermes

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vx11/vx11/internal/store"
)

// ModelPattern matches model files under the models directory.
const ModelPattern = "**/*.{gguf,safetensors,onnx,bin}"

type cliProfile struct {
	cliType  string
	domain   string
	tokenKey string
	latency  int
}

var cliProfiles = map[string]cliProfile{
	"claude":    {"llm", "reasoning", "ANTHROPIC_API_KEY", 1500},
	"gemini":    {"llm", "reasoning", "GEMINI_API_KEY", 1500},
	"codex":     {"llm", "code_generation", "OPENAI_API_KEY", 1500},
	"ollama":    {"llm", "general", "", 800},
	"llama-cli": {"llm", "general", "", 800},
	"git":       {"infra", "infrastructure", "", 100},
	"docker":    {"infra", "infrastructure", "", 200},
	"kubectl":   {"infra", "infrastructure", "", 200},
	"curl":      {"infra", "infrastructure", "", 150},
}

// DiscoverRequest controls a discovery pass.
type DiscoverRequest struct {
	Apply    bool `json:"apply"`
	AllowWeb bool `json:"allow_web"`
}

// DiscoverReport lists findings and, when applied, what changed.
type DiscoverReport struct {
	Status         string           `json:"status"`
	Apply          bool             `json:"apply"`
	Models         []store.Engine   `json:"models"`
	CLIs           []store.CLIEntry `json:"clis"`
	CLIEngines     []store.Engine   `json:"cli_engines"`
	CreatedEngines int              `json:"created_engines"`
	CreatedCLIs    int              `json:"created_clis"`
	Downloads      string           `json:"downloads"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// Discover scans the models directory and PATH for known CLIs. With Apply
// it upserts the findings by name, so repeated passes over an unchanged
// filesystem create no rows.
func (s *Service) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverReport, error) {
	rep := &DiscoverReport{Status: "ok", Apply: req.Apply, Downloads: "disabled"}

	models, err := s.scanModels()
	if err != nil {
		rep.Warnings = append(rep.Warnings, "models scan: "+err.Error())
	}
	rep.Models = nonNil(models)

	for _, name := range s.cfg.KnownCLIs {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bin, err := s.lookPath(name)
		if err != nil {
			continue
		}
		prof, ok := cliProfiles[name]
		if !ok {
			prof = cliProfile{cliType: "tool", domain: "general", latency: 500}
		}
		rep.CLIs = append(rep.CLIs, store.CLIEntry{
			Name: name, BinPath: bin, Available: true, CLIType: prof.cliType, TokenConfigKey: prof.tokenKey,
		})
		rep.CLIEngines = append(rep.CLIEngines, store.Engine{
			Name: "cli:" + name, EngineType: store.EngineCLI, Domain: prof.domain, Endpoint: bin,
			QuotaTokensPerDay: s.cfg.DefaultQuota, LatencyMs: prof.latency, Enabled: true,
		})
	}
	rep.CLIs = nonNil(rep.CLIs)
	rep.CLIEngines = nonNil(rep.CLIEngines)

	if req.AllowWeb {
		// Hub downloads are never attempted unless explicitly allowed.
		if s.cfg.AllowDownload {
			rep.Downloads = "not_implemented"
		} else {
			rep.Warnings = append(rep.Warnings, "download requested but HERMES_ALLOW_DOWNLOAD is off")
		}
	}

	if !req.Apply {
		return rep, nil
	}
	for _, e := range append(append([]store.Engine{}, rep.Models...), rep.CLIEngines...) {
		if existing, err := s.store.GetEngineByName(ctx, e.Name); err == nil {
			e.Enabled = existing.Enabled
			e.LatencyMs = existing.LatencyMs
			e.QuotaTokensPerDay = existing.QuotaTokensPerDay
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		created, err := s.store.UpsertEngine(ctx, &e)
		if err != nil {
			return nil, err
		}
		if created {
			rep.CreatedEngines++
		}
	}
	for _, c := range rep.CLIs {
		created, err := s.store.UpsertCLI(ctx, &c)
		if err != nil {
			return nil, err
		}
		if created {
			rep.CreatedCLIs++
		}
	}
	slog.Info("Hermes discovery applied", "models", len(rep.Models), "clis", len(rep.CLIs),
		"created_engines", rep.CreatedEngines, "created_clis", rep.CreatedCLIs)
	return rep, nil
}

func (s *Service) scanModels() ([]store.Engine, error) {
	dir := s.cfg.ModelsDir
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var out []store.Engine
	err := doublestar.GlobWalk(os.DirFS(dir), ModelPattern, func(p string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		name := strings.TrimSuffix(p, path.Ext(p))
		out = append(out, store.Engine{
			Name:              "local:" + name,
			EngineType:        store.EngineLocalModel,
			Domain:            "general",
			Endpoint:          s.cfg.ModelEndpoint,
			Version:           path.Ext(p)[1:],
			QuotaTokensPerDay: s.cfg.DefaultQuota,
			LatencyMs:         300,
			Enabled:           true,
		})
		return nil
	})
	return out, err
}
