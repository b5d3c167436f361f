package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseEnv(t *testing.T) {
	vars, err := parseEnv(strings.NewReader(`
# comment
export VX11_MODE=window
VX11_AUTH_TOKEN="hello world"
VX11_SINGLE='x # y'
VX11_TRAILING=60 # seconds
VX11_ESCAPED="a\nb \"q\""
INVALID_LINE
BAD KEY=1
VX11_EMPTY=
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := [][2]string{
		{"VX11_MODE", "window"},
		{"VX11_AUTH_TOKEN", "hello world"},
		{"VX11_SINGLE", "x # y"},
		{"VX11_TRAILING", "60"},
		{"VX11_ESCAPED", "a\nb \"q\""},
		{"VX11_EMPTY", ""},
	}
	if len(vars) != len(want) {
		t.Fatalf("got %d vars %v, want %d", len(vars), vars, len(want))
	}
	for i := range want {
		if vars[i] != want[i] {
			t.Errorf("var %d = %q, want %q", i, vars[i], want[i])
		}
	}

	if _, err := parseEnv(strings.NewReader("VX11_X=\"open\n")); err == nil {
		t.Fatal("expected unterminated quote error")
	}
}

func TestLoadEnvFilesRespectsProcessEnv(t *testing.T) {
	tmp := t.TempDir()
	explicit := filepath.Join(tmp, "vx11.env")
	if err := os.WriteFile(explicit, []byte("VX11_T_EXPLICIT=42\nVX11_T_KEEP=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	homeEnv := filepath.Join(tmp, ".config", "vx11", "env")
	if err := os.MkdirAll(filepath.Dir(homeEnv), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(homeEnv, []byte("VX11_T_EXPLICIT=home\nVX11_T_HOME=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HOME", tmp)
	t.Setenv("VX11_ENV_FILE", explicit)
	t.Setenv("VX11_T_KEEP", "process")
	for _, k := range []string{"VX11_T_EXPLICIT", "VX11_T_HOME"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	loaded := LoadEnvFiles()
	if len(loaded) != 2 {
		t.Fatalf("loaded %v, want both files", loaded)
	}
	for k, want := range map[string]string{"VX11_T_EXPLICIT": "42", "VX11_T_KEEP": "process", "VX11_T_HOME": "1"} {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}
