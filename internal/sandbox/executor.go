// Package sandbox runs allow-listed commands confined to a working root,
// with a timeout and bounded output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
)

// Result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// DenyPatterns contains regex patterns for dangerous command lines.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`,
	`\brm\s+-rf\b`,
	`\bgit\s+(rm|push|clean)\b`,
	`\bfind\b.*\b-delete\b`,
	`\bdd\b.*\bof=/dev/`,
	`\bmkfs\b`,
	`>\s*/dev/`,
	`\bchmod\s+-R\s+777\b`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bkill(all)?\s+-9\s+1\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Request is one command execution.
type Request struct {
	Cmd     string            `json:"cmd"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout float64           `json:"timeout,omitempty"`
}

// Result is what the sandbox reports back.
type Result struct {
	Status      string    `json:"status"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitCode    int       `json:"exit_code"`
	StartedAt   time.Time `json:"started_at"`
	DurationSec float64   `json:"duration_sec"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// Executor runs commands inside Root.
type Executor struct {
	root        string
	allowed     map[string]bool
	maxTimeout  time.Duration
	maxOutput   int
	denyRegexes []*regexp.Regexp
}

// NewExecutor creates the sandbox root and compiles the guards.
func NewExecutor(cfg config.SandboxConfig) (*Executor, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "vx11-sandbox")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		if c = strings.TrimSpace(c); c != "" {
			allowed[c] = true
		}
	}
	deny := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, p := range DenyPatterns {
		if re, err := regexp.Compile(p); err == nil {
			deny = append(deny, re)
		}
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 64 << 10
	}
	return &Executor{
		root:        abs,
		allowed:     allowed,
		maxTimeout:  config.Seconds(cfg.MaxTimeoutSec, 120*time.Second),
		maxOutput:   maxOutput,
		denyRegexes: deny,
	}, nil
}

// Root returns the absolute sandbox root.
func (e *Executor) Root() string { return e.root }

// Allowed reports whether the base command of cmd is on the allowlist.
func (e *Executor) Allowed(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	return e.allowed[filepath.Base(fields[0])]
}

// Exec runs req. Guard failures return an error; a command that ran and
// failed returns a Result with StatusError.
func (e *Executor) Exec(ctx context.Context, req Request) (*Result, error) {
	name, args, err := e.guard(req)
	if err != nil {
		return nil, err
	}
	dir, err := e.resolveCwd(req.Cwd)
	if err != nil {
		return nil, err
	}
	env, err := e.buildEnv(req.Env)
	if err != nil {
		return nil, err
	}

	timeout := e.maxTimeout
	if req.Timeout > 0 {
		if t := time.Duration(req.Timeout * float64(time.Second)); t < timeout {
			timeout = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLimitedBuffer(e.maxOutput)
	stderr := newLimitedBuffer(e.maxOutput)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	res := &Result{StartedAt: time.Now().UTC()}
	runErr := cmd.Run()
	res.DurationSec = time.Since(res.StartedAt).Seconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.ExitCode = -1
		res.Stderr = strings.TrimSpace(res.Stderr + fmt.Sprintf("\ncommand timed out after %s", timeout))
	case runErr == nil:
		res.Status = StatusOK
	case errors.As(runErr, &exitErr):
		res.Status = StatusError
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Status = StatusError
		res.ExitCode = -1
		res.Stderr = strings.TrimSpace(res.Stderr + "\n" + runErr.Error())
	}
	slog.Info("Sandbox command finished", "cmd", name, "status", res.Status, "exit_code", res.ExitCode, "duration_sec", res.DurationSec)
	return res, nil
}

func (e *Executor) guard(req Request) (string, []string, error) {
	fields := strings.Fields(req.Cmd)
	if len(fields) == 0 {
		return "", nil, apierr.New(apierr.KindValidation, "cmd is required")
	}
	name := fields[0]
	args := append(fields[1:], req.Args...)
	if !e.allowed[filepath.Base(name)] {
		return "", nil, apierr.New(apierr.KindPolicyDenied, "command %q is not allowed", filepath.Base(name))
	}
	if strings.ContainsRune(name, '/') {
		return "", nil, apierr.New(apierr.KindPolicyDenied, "command must be a bare name")
	}
	line := strings.Join(append([]string{name}, args...), " ")
	for _, re := range e.denyRegexes {
		if re.MatchString(line) {
			return "", nil, apierr.New(apierr.KindPolicyDenied, "command line denied")
		}
	}
	return name, args, nil
}

func (e *Executor) resolveCwd(cwd string) (string, error) {
	dir := e.root
	if cwd != "" {
		if filepath.IsAbs(cwd) {
			dir = filepath.Clean(cwd)
		} else {
			dir = filepath.Join(e.root, cwd)
		}
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	} else {
		return "", apierr.Wrap(apierr.KindValidation, err, "cwd does not exist")
	}
	rel, err := filepath.Rel(e.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apierr.New(apierr.KindPolicyDenied, "cwd escapes sandbox root")
	}
	return dir, nil
}

func (e *Executor) buildEnv(extra map[string]string) ([]string, error) {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + e.root,
		"LANG=C.UTF-8",
	}
	for k, v := range extra {
		if !envKey.MatchString(k) {
			return nil, apierr.New(apierr.KindValidation, "invalid env key %q", k)
		}
		if k == "PATH" || k == "HOME" || strings.HasPrefix(k, "LD_") {
			return nil, apierr.New(apierr.KindPolicyDenied, "env key %q may not be overridden", k)
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

type limitedBuffer struct {
	buf       bytes.Buffer
	maxBytes  int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{maxBytes: max}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.maxBytes - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	_, err := l.buf.Write(p)
	return len(p), err
}

func (l *limitedBuffer) String() string  { return l.buf.String() }
func (l *limitedBuffer) Truncated() bool { return l.truncated }
