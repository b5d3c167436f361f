package stability

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vx11/vx11/internal/config"
)

// ExecLauncher runs `<Binary> <service>` as a child process, logging each
// run to LogDir.
type ExecLauncher struct {
	Binary string
	Env    []string
	LogDir string
}

type execProcess struct {
	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}
}

// Start implements Launcher.
func (l *ExecLauncher) Start(ctx context.Context, cycle int, service string) (Process, error) {
	cmd := exec.Command(l.Binary, service)
	cmd.Env = append(os.Environ(), l.Env...)
	var logFile *os.File
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(l.LogDir, fmt.Sprintf("cycle%02d-%s.log", cycle, service)),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open service log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", service, err)
	}
	p := &execProcess{cmd: cmd, log: logFile, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		if p.log != nil {
			p.log.Close()
		}
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("killed after %w", ctx.Err())
	}
}

// readRSS returns VmRSS in KiB from <procRoot>/<pid>/status, or 0.
func readRSS(procRoot string, pid int) int64 {
	if procRoot == "" || pid <= 0 {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb
	}
	return 0
}

// servicePackages maps a service to the package holding its tests.
var servicePackages = map[string]string{
	config.ServiceGateway:      "./internal/gateway/...",
	config.ServiceMadre:        "./internal/madre/...",
	config.ServiceSwitch:       "./internal/router/...",
	config.ServiceHermes:       "./internal/hermes/...",
	config.ServiceSpawner:      "./internal/spawner/...",
	config.ServiceSandbox:      "./internal/sandbox/...",
	config.ServiceHormiguero:   "./internal/hormiguero/...",
	config.ServiceManifestator: "./internal/manifestator/...",
}

// GoTestRunner runs `go test` for a service's package inside ModuleDir.
type GoTestRunner struct {
	ModuleDir string
	GoBinary  string
	Timeout   time.Duration
	// MaxOutput bounds the output kept in the report.
	MaxOutput int
}

// Run implements TestRunner.
func (g *GoTestRunner) Run(ctx context.Context, service string) TestResult {
	res := TestResult{Service: service}
	pkg, ok := servicePackages[service]
	if !ok {
		res.Skipped = true
		return res
	}
	res.Package = pkg
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	bin := g.GoBinary
	if bin == "" {
		bin = "go"
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, "test", "-count=1", pkg)
	cmd.Dir = g.ModuleDir
	out, err := cmd.CombinedOutput()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Passed = err == nil
	res.Output = tail(string(out), g.MaxOutput)
	return res
}

func tail(s string, n int) string {
	if n <= 0 {
		n = 4096
	}
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
