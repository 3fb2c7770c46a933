package validation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxOutput bounds the command output kept on a StepResult.
const maxOutput = 64 * 1024

// CommandRunner executes shell commands in a working directory.
type CommandRunner interface {
	// Run executes command to completion and returns its combined output.
	Run(ctx context.Context, dir, command string) (string, error)
	// Start launches command in the background.
	Start(dir, command string) (Process, error)
}

// Process is a background process started by a CommandRunner.
type Process interface {
	PID() int
	Stop() error
}

// Prober checks HTTP reachability and returns the status code.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

// ExecRunner runs commands through sh -c.
type ExecRunner struct {
	Env []string
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	return tail(out), err
}

// Start implements CommandRunner. The process outlives any request context
// and runs in its own process group so Stop reaches its children.
func (r ExecRunner) Start(dir, command string) (Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		pgid := -p.cmd.Process.Pid
		if e := syscall.Kill(pgid, syscall.SIGTERM); e != nil && e != syscall.ESRCH {
			err = e
			return
		}
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	})
	return err
}

func tail(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return string(out)
}

// HTTPProber probes with a plain GET. 2xx and 3xx count as reachable.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber returns a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{Client: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
