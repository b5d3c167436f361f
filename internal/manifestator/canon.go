package manifestator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule sends stray files matching Match to Dest when a patch is planned.
type Rule struct {
	Match string `yaml:"match" json:"match"`
	Dest  string `yaml:"dest" json:"dest"`
}

// CanonicalMap describes the expected layout of the repository tree.
// Patterns use doublestar syntax and are matched against slash separated
// paths relative to the repository root.
type CanonicalMap struct {
	Version int `yaml:"version" json:"version"`
	// Required paths must exist. A trailing slash names a directory.
	Required []string `yaml:"required" json:"required"`
	// Allowed patterns cover every file that may exist.
	Allowed []string `yaml:"allowed" json:"allowed"`
	// Blocklist patterns are never walked.
	Blocklist []string `yaml:"blocklist" json:"blocklist"`
	Rules     []Rule   `yaml:"rules" json:"rules"`
}

// DefaultBlocklist is skipped by every scan.
var DefaultBlocklist = []string{
	".git",
	"**/node_modules",
	"**/__pycache__",
	"**/.cache",
	"**/.pytest_cache",
	"**/.mypy_cache",
	"data/runtime",
	"docs/audit",
}

// Consolidation subtrees for stray artifacts.
const (
	LegacyLogs     = "build/artifacts/logs/legacy_root"
	LegacySandbox  = "build/artifacts/sandbox/legacy_root"
	LegacyForensic = "build/artifacts/forensic/legacy_root"
)

// DefaultCanonicalMap is the layout of a VX11 checkout.
func DefaultCanonicalMap() *CanonicalMap {
	return &CanonicalMap{
		Version:  1,
		Required: []string{"go.mod", "cmd/", "internal/"},
		Allowed: []string{
			"cmd/**", "internal/**", "docs/**", "build/**", "scripts/**", "config/**", "data/**",
			"*.md", "go.mod", "go.sum", "Makefile", "Dockerfile", "docker-compose*.yml",
			".gitignore", ".dockerignore", ".github/**", "LICENSE",
		},
		Blocklist: slices.Clone(DefaultBlocklist),
		Rules: []Rule{
			{Match: "**/*.log", Dest: LegacyLogs},
			{Match: "**/*.log.*", Dest: LegacyLogs},
			{Match: "**/sandbox_*/**", Dest: LegacySandbox},
			{Match: "**/*.{dump,core,trace,prof}", Dest: LegacyForensic},
		},
	}
}

// LoadCanonicalMap reads a YAML canonical map. An empty path yields the
// default map.
func LoadCanonicalMap(path string) (*CanonicalMap, error) {
	if path == "" {
		return DefaultCanonicalMap(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read canonical map: %w", err)
	}
	var m CanonicalMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal canonical map: %w", err)
	}
	if len(m.Blocklist) == 0 {
		m.Blocklist = slices.Clone(DefaultBlocklist)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal renders the map as YAML.
func (m *CanonicalMap) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical map: %w", err)
	}
	return data, nil
}

func (m *CanonicalMap) validate() error {
	var errs []error
	for _, p := range slices.Concat(m.Allowed, m.Blocklist) {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("bad pattern %q", p))
		}
	}
	for _, r := range m.Rules {
		if !doublestar.ValidatePattern(r.Match) {
			errs = append(errs, fmt.Errorf("bad rule pattern %q", r.Match))
		}
		if r.Dest == "" {
			errs = append(errs, fmt.Errorf("rule %q has no dest", r.Match))
		}
	}
	return errors.Join(errs...)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Blocked reports whether rel is excluded from scans.
func (m *CanonicalMap) Blocked(rel string) bool {
	return matchAny(m.Blocklist, rel)
}

// Allows reports whether the file rel belongs in the tree.
func (m *CanonicalMap) Allows(rel string) bool {
	if slices.Contains(m.Required, rel) {
		return true
	}
	return matchAny(m.Allowed, rel)
}

// Destination returns where a stray file is consolidated, or "" when no
// rule covers it.
func (m *CanonicalMap) Destination(rel string) string {
	for _, r := range m.Rules {
		if ok, _ := doublestar.Match(r.Match, rel); ok {
			return r.Dest
		}
	}
	return ""
}

// Drift is the difference between a tree and its canonical map.
type Drift struct {
	Missing []string `json:"missing"`
	Extra   []string `json:"extra"`
}

// Empty reports whether the tree matches the map.
func (d *Drift) Empty() bool {
	return d == nil || len(d.Missing)+len(d.Extra) == 0
}

// ScanDrift walks root and compares it against m. It only reads.
func ScanDrift(root string, m *CanonicalMap) (*Drift, error) {
	d := &Drift{Missing: []string{}, Extra: []string{}}
	for _, req := range m.Required {
		p := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(req, "/")))
		info, err := os.Stat(p)
		switch {
		case err != nil:
			d.Missing = append(d.Missing, req)
		case strings.HasSuffix(req, "/") && !info.IsDir():
			d.Missing = append(d.Missing, req)
		}
	}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.Blocked(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if !m.Allows(rel) {
			d.Extra = append(d.Extra, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return d, nil
}
