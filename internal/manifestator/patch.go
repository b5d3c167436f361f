// Package manifestator reconciles the repository tree with its canonical
// map. Patches are plain data: an ordered list of file operations plus the
// backup root an applier writes to, so every applied patch can be rolled
// back.
package manifestator

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vx11/vx11/internal/apierr"
)

// Operation kinds.
const (
	OpMove        = "mv"
	OpEditReplace = "edit_replace"
	OpCreate      = "create"
	OpDelete      = "delete"
)

// Operation is one step of a patch. Paths are slash separated and relative
// to the repository root.
type Operation struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Dest    string `json:"dest,omitempty"`
	Old     string `json:"old,omitempty"`
	New     string `json:"new,omitempty"`
	Content string `json:"content,omitempty"`
	Dir     bool   `json:"dir,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Patch is an ordered list of operations.
type Patch struct {
	PatchID    string      `json:"patch_id"`
	Intent     string      `json:"intent,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	BackupRoot string      `json:"backup_root"`
	Operations []Operation `json:"operations"`
	Notes      []string    `json:"notes,omitempty"`
}

// OpError describes why one operation is invalid.
type OpError struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

// cleanRel normalises a relative path and rejects anything that would
// leave the repository root.
func cleanRel(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("path %q escapes the repository", p)
	}
	return c, nil
}

// Validate checks every operation and returns the problems found. A nil
// slice means the patch may be applied.
func Validate(p *Patch) []OpError {
	if p == nil {
		return []OpError{{Index: -1, Error: "patch is required"}}
	}
	var out []OpError
	bad := func(i int, op Operation, format string, args ...any) {
		out = append(out, OpError{Index: i, Op: op.Op, Error: fmt.Sprintf(format, args...)})
	}
	if p.BackupRoot != "" {
		if _, err := cleanRel(p.BackupRoot); err != nil {
			out = append(out, OpError{Index: -1, Error: "backup_root: " + err.Error()})
		}
	}
	for i, op := range p.Operations {
		if !slices.Contains([]string{OpMove, OpEditReplace, OpCreate, OpDelete}, op.Op) {
			bad(i, op, "unsupported op %q", op.Op)
			continue
		}
		src, err := cleanRel(op.Path)
		if err != nil {
			bad(i, op, "%v", err)
			continue
		}
		switch op.Op {
		case OpMove:
			dst, err := cleanRel(op.Dest)
			if err != nil {
				bad(i, op, "dest: %v", err)
			} else if dst == src {
				bad(i, op, "dest equals path")
			}
		case OpEditReplace:
			if op.Old == "" {
				bad(i, op, "old text is required")
			}
		case OpCreate:
			if op.Dir && op.Content != "" {
				bad(i, op, "a directory has no content")
			}
		}
	}
	return out
}

// ValidationError wraps the problems of a patch as a validation error.
func ValidationError(problems []OpError) error {
	return apierr.New(apierr.KindValidation, "patch has %d invalid operations", len(problems)).WithDetail(problems)
}

// PlanRequest asks for a patch covering a drift report.
type PlanRequest struct {
	Intent string `json:"intent,omitempty"`
	Drift  *Drift `json:"drift,omitempty"`
	// CreateMissing adds create operations for missing files. Missing
	// directories are always created.
	CreateMissing bool `json:"create_missing,omitempty"`
}

// BuildPatch turns drift into a patch. Extra files matching a rule are
// consolidated under the rule destination; other extras move into the
// timestamped backup root. Missing directories are created, missing files
// become notes unless createMissing is set.
func BuildPatch(m *CanonicalMap, d *Drift, backupBase string, now time.Time, createMissing bool) *Patch {
	p := &Patch{
		PatchID:    uuid.NewString(),
		CreatedAt:  now.UTC(),
		BackupRoot: path.Join(backupBase, now.UTC().Format("20060102T150405Z")),
		Operations: []Operation{},
	}
	if d == nil {
		return p
	}
	for _, raw := range d.Extra {
		rel, err := cleanRel(raw)
		if err != nil {
			p.Notes = append(p.Notes, fmt.Sprintf("skipped extra %q: %v", raw, err))
			continue
		}
		dest := m.Destination(rel)
		reason := "consolidate stray artifact"
		if dest == "" {
			dest = path.Join(p.BackupRoot, "stray")
			reason = "no canonical location"
		}
		p.Operations = append(p.Operations, Operation{
			Op:     OpMove,
			Path:   rel,
			Dest:   path.Join(dest, rel),
			Reason: reason,
		})
	}
	for _, req := range d.Missing {
		isDir := strings.HasSuffix(req, "/")
		rel, err := cleanRel(req)
		if err != nil {
			p.Notes = append(p.Notes, fmt.Sprintf("skipped missing %q: %v", req, err))
			continue
		}
		if isDir || createMissing {
			p.Operations = append(p.Operations, Operation{Op: OpCreate, Path: rel, Dir: isDir, Reason: "required by canonical map"})
			continue
		}
		p.Notes = append(p.Notes, fmt.Sprintf("missing required file %s", rel))
	}
	return p
}
