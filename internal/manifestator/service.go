package manifestator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/bus"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
)

const eventPatchApplied = bus.EventPatchApplied

// Service implements the Manifestator operations.
type Service struct {
	root       string
	backupBase string
	canon      *CanonicalMap
	client     *httpx.Client
	gatewayURL string
	now        func() time.Time

	// mu serialises tree mutations.
	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates the reconciler for cfg.RepoRoot. gatewayURL may be empty.
func New(cfg config.ManifestatorConfig, client *httpx.Client, gatewayURL string) (*Service, error) {
	root := cfg.RepoRoot
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("repo root: %w", err)
	}
	canon, err := LoadCanonicalMap(cfg.CanonicalMapPath)
	if err != nil {
		return nil, err
	}
	backup := cfg.BackupRoot
	if backup == "" {
		backup = "build/backups"
	}
	if _, err := cleanRel(backup); err != nil {
		return nil, fmt.Errorf("backup root: %w", err)
	}
	return &Service{
		root:       abs,
		backupBase: backup,
		canon:      canon,
		client:     client,
		gatewayURL: gatewayURL,
		now:        time.Now,
	}, nil
}

// SetClock overrides the clock used for backup roots.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Canon returns the canonical map in use.
func (s *Service) Canon() *CanonicalMap { return s.canon }

// Close waits for pending event deliveries.
func (s *Service) Close() { s.wg.Wait() }

// Plan builds a patch for req. Without a drift report the tree is scanned.
func (s *Service) Plan(ctx context.Context, req PlanRequest) (*Patch, *Drift, error) {
	drift := req.Drift
	if drift == nil {
		d, err := ScanDrift(s.root, s.canon)
		if err != nil {
			return nil, nil, apierr.Wrap(apierr.KindInternal, err, "scan tree")
		}
		drift = d
	}
	p := BuildPatch(s.canon, drift, s.backupBase, s.now(), req.CreateMissing)
	p.Intent = req.Intent
	slog.Info("Manifestator patch planned", "patch_id", p.PatchID, "intent", req.Intent,
		"operations", len(p.Operations), "missing", len(drift.Missing), "extra", len(drift.Extra))
	return p, drift, nil
}

// BuilderRequest asks for a canonical map skeleton of a subtree.
type BuilderRequest struct {
	Path string `json:"path,omitempty"`
}

// BuilderSpec returns a YAML canonical map that accepts the current
// layout of the requested subtree: every top-level directory becomes an
// allowed subtree and every top-level file an allowed path.
func (s *Service) BuilderSpec(ctx context.Context, req BuilderRequest) (*CanonicalMap, string, error) {
	dir := s.root
	prefix := ""
	if req.Path != "" {
		rel, err := cleanRel(req.Path)
		if err != nil {
			return nil, "", apierr.Wrap(apierr.KindValidation, err, "path")
		}
		dir = filepath.Join(s.root, filepath.FromSlash(rel))
		prefix = rel + "/"
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.New(apierr.KindNotFound, "no such path %q", req.Path)
		}
		return nil, "", fmt.Errorf("read %s: %w", dir, err)
	}
	m := &CanonicalMap{Version: 1, Required: []string{}, Allowed: []string{}, Blocklist: slices.Clone(s.canon.Blocklist), Rules: slices.Clone(s.canon.Rules)}
	for _, e := range entries {
		rel := prefix + e.Name()
		if m.Blocked(rel) {
			continue
		}
		if e.IsDir() {
			m.Allowed = append(m.Allowed, rel+"/**")
			continue
		}
		m.Allowed = append(m.Allowed, rel)
		if slices.Contains(s.canon.Required, rel) {
			m.Required = append(m.Required, rel)
		}
	}
	data, err := m.Marshal()
	if err != nil {
		return nil, "", err
	}
	return m, string(data), nil
}

type gatewayEvent struct {
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

func (s *Service) publish(eventType string, payload map[string]any) {
	if s.gatewayURL == "" || s.client == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		evt := gatewayEvent{Type: eventType, Source: config.ServiceManifestator, Payload: payload}
		if err := s.client.PostJSON(ctx, s.gatewayURL+"/events/ingest", 5*time.Second, evt, nil); err != nil {
			slog.Debug("Manifestator event publish failed", "type", eventType, "error", err)
		}
	}()
}
