package manifestator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/zeebo/blake3"

	"github.com/vx11/vx11/internal/apierr"
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusPlanned  = "would_apply"
	StatusSkipped  = "skipped"
	StatusPartial  = "partial"
	StatusDryRun   = "dry_run"
	manifestName   = "manifest.json"
	backupFilesDir = "files"
)

// OpResult records what happened to one operation.
type OpResult struct {
	Index  int    `json:"index"`
	Op     string `json:"op"`
	Path   string `json:"path"`
	Dest   string `json:"dest,omitempty"`
	Dir    bool   `json:"dir,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	// Digest is the blake3 sum of the file content before the operation.
	Digest string `json:"digest,omitempty"`
	// Backup is the copy an edit or delete can be restored from.
	Backup string `json:"backup,omitempty"`
}

// ApplyResult is the outcome of applying a patch.
type ApplyResult struct {
	Status     string     `json:"status"`
	PatchID    string     `json:"patch_id"`
	DryRun     bool       `json:"dry_run"`
	BackupRoot string     `json:"backup_root"`
	Applied    int        `json:"applied"`
	Failed     int        `json:"failed"`
	Results    []OpResult `json:"results"`
}

type manifest struct {
	Patch   *Patch     `json:"patch"`
	Results []OpResult `json:"results"`
}

// resolve maps a relative patch path onto the repository root.
func (s *Service) resolve(rel string) (string, error) {
	c, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(c)), nil
}

// Apply validates and runs a patch. Operations run in order; a failed
// operation is recorded and the rest still run. A dry run only checks
// preconditions.
func (s *Service) Apply(ctx context.Context, p *Patch, dryRun bool) (*ApplyResult, error) {
	if problems := Validate(p); len(problems) > 0 {
		return nil, ValidationError(problems)
	}
	if p.BackupRoot == "" {
		p.BackupRoot = BuildPatch(s.canon, nil, s.backupBase, s.now(), false).BackupRoot
	}
	res := &ApplyResult{Status: StatusOK, PatchID: p.PatchID, DryRun: dryRun, BackupRoot: p.BackupRoot, Results: []OpResult{}}
	if dryRun {
		res.Status = StatusDryRun
		for i, op := range p.Operations {
			r := OpResult{Index: i, Op: op.Op, Path: op.Path, Dest: op.Dest, Dir: op.Dir, Status: StatusPlanned}
			if err := s.check(op); err != nil {
				r.Status, r.Error = StatusError, err.Error()
				res.Failed++
			}
			res.Results = append(res.Results, r)
		}
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	backupAbs, err := s.resolve(p.BackupRoot)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "backup_root")
	}
	if _, err := os.Stat(filepath.Join(backupAbs, manifestName)); err == nil {
		return nil, apierr.New(apierr.KindValidation, "backup_root %s already holds an applied patch", p.BackupRoot)
	}
	for i, op := range p.Operations {
		r := OpResult{Index: i, Op: op.Op, Path: op.Path, Dest: op.Dest, Dir: op.Dir}
		if ctx.Err() != nil {
			r.Status, r.Error = StatusSkipped, ctx.Err().Error()
			res.Results = append(res.Results, r)
			res.Failed++
			continue
		}
		if err := s.applyOp(op, backupAbs, &r); err != nil {
			r.Status, r.Error = StatusError, err.Error()
			res.Failed++
			slog.Warn("Manifestator operation failed", "patch_id", p.PatchID, "index", i, "op", op.Op, "path", op.Path, "error", err)
		} else {
			r.Status = StatusOK
			res.Applied++
		}
		res.Results = append(res.Results, r)
	}
	if res.Failed > 0 {
		res.Status = StatusPartial
	}
	if err := writeManifest(backupAbs, &manifest{Patch: p, Results: res.Results}); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "record patch manifest")
	}
	slog.Info("Manifestator patch applied", "patch_id", p.PatchID, "applied", res.Applied, "failed", res.Failed, "backup_root", p.BackupRoot)
	s.publish(eventPatchApplied, map[string]any{
		"patch_id": p.PatchID, "status": res.Status, "applied": res.Applied, "failed": res.Failed, "backup_root": p.BackupRoot,
	})
	return res, nil
}

// check verifies an operation's preconditions without touching the tree.
func (s *Service) check(op Operation) error {
	src, err := s.resolve(op.Path)
	if err != nil {
		return err
	}
	switch op.Op {
	case OpMove:
		if _, err := os.Lstat(src); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		dst, err := s.resolve(op.Dest)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(dst); err == nil {
			return fmt.Errorf("destination %s exists", op.Dest)
		}
	case OpEditReplace:
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), op.Old) {
			return fmt.Errorf("old text not found in %s", op.Path)
		}
	case OpCreate:
		if _, err := os.Lstat(src); err == nil {
			return fmt.Errorf("%s exists", op.Path)
		}
	case OpDelete:
		info, err := os.Lstat(src)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", op.Path)
		}
	}
	return nil
}

func (s *Service) applyOp(op Operation, backupAbs string, r *OpResult) error {
	if err := s.check(op); err != nil {
		return err
	}
	src, _ := s.resolve(op.Path)
	switch op.Op {
	case OpMove:
		dst, _ := s.resolve(op.Dest)
		if info, err := os.Lstat(src); err == nil && info.Mode().IsRegular() {
			sum, err := digestFile(src)
			if err != nil {
				return err
			}
			r.Digest = sum
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := moveFile(src, dst); err != nil {
			return err
		}
		if r.Digest != "" {
			if sum, err := digestFile(dst); err != nil || sum != r.Digest {
				return fmt.Errorf("digest mismatch after moving %s", op.Path)
			}
		}
	case OpEditReplace:
		backup, sum, err := s.backup(src, backupAbs, op.Path)
		if err != nil {
			return err
		}
		r.Backup, r.Digest = backup, sum
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		out := strings.ReplaceAll(string(data), op.Old, op.New)
		if err := os.WriteFile(src, []byte(out), info.Mode().Perm()); err != nil {
			return err
		}
	case OpCreate:
		if op.Dir {
			return os.MkdirAll(src, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(src, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(op.Content); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case OpDelete:
		backup, sum, err := s.backup(src, backupAbs, op.Path)
		if err != nil {
			return err
		}
		r.Backup, r.Digest = backup, sum
		return os.Remove(src)
	}
	return nil
}

// backup copies src under the backup root and returns the copy's path
// relative to the repository root together with the content digest.
func (s *Service) backup(src, backupAbs, rel string) (string, string, error) {
	dst := filepath.Join(backupAbs, backupFilesDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", "", err
	}
	if err := copyFile(src, dst); err != nil {
		return "", "", fmt.Errorf("backup %s: %w", rel, err)
	}
	sum, err := digestFile(dst)
	if err != nil {
		return "", "", err
	}
	out, err := filepath.Rel(s.root, dst)
	if err != nil {
		return "", "", err
	}
	return filepath.ToSlash(out), sum, nil
}

// RollbackRequest restores an applied patch. Results default to the
// manifest recorded under BackupRoot.
type RollbackRequest struct {
	BackupRoot string     `json:"backup_root"`
	Results    []OpResult `json:"results,omitempty"`
}

// RollbackResult reports the restored operations.
type RollbackResult struct {
	Status   string     `json:"status"`
	Restored int        `json:"restored"`
	Failed   int        `json:"failed"`
	Results  []OpResult `json:"results"`
}

// Rollback undoes successful operations in reverse order.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	backupAbs, err := s.resolve(req.BackupRoot)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "backup_root")
	}
	results := req.Results
	if len(results) == 0 {
		m, err := readManifest(backupAbs)
		if err != nil {
			return nil, err
		}
		results = m.Results
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := &RollbackResult{Status: StatusOK, Results: []OpResult{}}
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Status != StatusOK {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		restored := r
		if err := s.undo(r); err != nil {
			restored.Status, restored.Error = StatusError, err.Error()
			out.Failed++
		} else {
			restored.Status, restored.Error = StatusOK, ""
			out.Restored++
		}
		out.Results = append(out.Results, restored)
	}
	if out.Failed > 0 {
		out.Status = StatusPartial
	}
	slog.Info("Manifestator rollback", "backup_root", req.BackupRoot, "restored", out.Restored, "failed", out.Failed)
	return out, nil
}

func (s *Service) undo(r OpResult) error {
	src, err := s.resolve(r.Path)
	if err != nil {
		return err
	}
	switch r.Op {
	case OpMove:
		dst, err := s.resolve(r.Dest)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
			return err
		}
		if err := moveFile(dst, src); err != nil {
			return err
		}
		if r.Digest != "" {
			if sum, err := digestFile(src); err != nil || sum != r.Digest {
				return fmt.Errorf("digest mismatch restoring %s", r.Path)
			}
		}
	case OpEditReplace, OpDelete:
		backup, err := s.resolve(r.Backup)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
			return err
		}
		return copyFile(backup, src)
	case OpCreate:
		// A directory that gained content since is left in place.
		return os.Remove(src)
	}
	return nil
}

// moveFile renames, falling back to copy and remove across devices.
func moveFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s exists", dst)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	info, serr := os.Lstat(src)
	if serr != nil || !info.Mode().IsRegular() {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// digestFile returns the hex blake3 sum of a file.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifest(backupAbs string, m *manifest) error {
	if err := os.MkdirAll(backupAbs, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(backupAbs, manifestName), data, 0o644)
}

func readManifest(backupAbs string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(backupAbs, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apierr.New(apierr.KindNotFound, "no patch manifest under %s", backupAbs)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apierr.Wrap(apierr.KindIntegrity, err, "corrupt patch manifest")
	}
	return &m, nil
}
