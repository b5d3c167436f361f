package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// envFiles lists the env files Load consults, explicit file first.
func envFiles() []string {
	var files []string
	if explicit := strings.TrimSpace(os.Getenv("VX11_ENV_FILE")); explicit != "" {
		files = append(files, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files,
			filepath.Join(home, ".config", "vx11", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return files
}

// LoadEnvFiles exports the variables of every readable env file, never
// replacing a variable the process already has. It returns the files read.
func LoadEnvFiles() []string {
	var loaded []string
	seen := map[string]bool{}
	for _, p := range envFiles() {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		f, err := os.Open(abs)
		if err != nil {
			continue
		}
		vars, err := parseEnv(f)
		f.Close()
		if err != nil {
			continue
		}
		for _, kv := range vars {
			if _, set := os.LookupEnv(kv[0]); !set {
				os.Setenv(kv[0], kv[1])
			}
		}
		loaded = append(loaded, abs)
	}
	return loaded
}

// parseEnv reads KEY=VALUE lines in order. It accepts an "export " prefix,
// '#' comments (whole-line, or trailing after whitespace on unquoted
// values) and single or double quotes; double quotes expand \n and \".
func parseEnv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		v, err := envValue(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, [2]string{key, v})
	}
	return out, sc.Err()
}

func envValue(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	switch q := v[0]; q {
	case '\'', '"':
		end := strings.LastIndexByte(v, q)
		if end == 0 {
			return "", fmt.Errorf("unterminated %c quote", q)
		}
		inner := v[1:end]
		if q == '"' {
			inner = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`).Replace(inner)
		}
		return inner, nil
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v, nil
}
