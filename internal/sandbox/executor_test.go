package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
)

func newExecutor(t *testing.T, maxOutput int) *Executor {
	t.Helper()
	e, err := NewExecutor(config.SandboxConfig{
		Root:            t.TempDir(),
		AllowedCommands: []string{"echo", "cat", "sleep", "pwd", "false"},
		MaxTimeoutSec:   5,
		MaxOutputBytes:  maxOutput,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return e
}

func TestExecEcho(t *testing.T) {
	e := newExecutor(t, 0)
	res, err := e.Exec(context.Background(), Request{Cmd: "echo", Args: []string{"hello", "vx11"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusOK || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello vx11" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecRunsInRoot(t *testing.T) {
	e := newExecutor(t, 0)
	if err := os.Mkdir(filepath.Join(e.Root(), "work"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := e.Exec(context.Background(), Request{Cmd: "pwd", Cwd: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != filepath.Join(e.Root(), "work") {
		t.Fatalf("pwd = %q, want %q", res.Stdout, filepath.Join(e.Root(), "work"))
	}
}

func TestExecNonZeroExit(t *testing.T) {
	e := newExecutor(t, 0)
	res, err := e.Exec(context.Background(), Request{Cmd: "false"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusError || res.ExitCode != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecGuards(t *testing.T) {
	e := newExecutor(t, 0)
	tests := []struct {
		name string
		req  Request
		kind apierr.Kind
	}{
		{"empty", Request{}, apierr.KindValidation},
		{"not allowlisted", Request{Cmd: "rm", Args: []string{"-rf", "/"}}, apierr.KindPolicyDenied},
		{"path to binary", Request{Cmd: "/bin/echo"}, apierr.KindPolicyDenied},
		{"cwd escape", Request{Cmd: "echo", Cwd: "../.."}, apierr.KindPolicyDenied},
		{"absolute cwd outside", Request{Cmd: "echo", Cwd: "/"}, apierr.KindPolicyDenied},
		{"missing cwd", Request{Cmd: "echo", Cwd: "nope"}, apierr.KindValidation},
		{"ld preload", Request{Cmd: "echo", Env: map[string]string{"LD_PRELOAD": "x.so"}}, apierr.KindPolicyDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Exec(context.Background(), tt.req)
			if apierr.KindOf(err) != tt.kind {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestExecTimeout(t *testing.T) {
	e := newExecutor(t, 0)
	res, err := e.Exec(context.Background(), Request{Cmd: "sleep", Args: []string{"5"}, Timeout: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout || res.DurationSec > 3 {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestExecTruncatesOutput(t *testing.T) {
	e := newExecutor(t, 100)
	big := strings.Repeat("x", 1000)
	if err := os.WriteFile(filepath.Join(e.Root(), "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := e.Exec(context.Background(), Request{Cmd: "cat", Args: []string{"big.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) != 100 || !res.Truncated {
		t.Fatalf("expected 100 truncated bytes, got %d truncated=%v", len(res.Stdout), res.Truncated)
	}
}
