package backend

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/config"
	"github.com/search-mcp/search-mcp-go/internal/jsonrpc"
)

// killGrace is how long a terminated child gets before the hard kill.
const killGrace = 2 * time.Second

// process bundles the OS handle with its stream ends. Exclusively owned by
// one Client.
type process struct {
	cmd    *exec.Cmd
	writer *jsonrpc.LineWriter
	reader *jsonrpc.LineReader

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// spawn starts the backend command with the merged environment and wires up
// all three standard streams. stderr is drained immediately so the child can
// never block on it.
func spawn(cfg *config.BackendConfig, logger, stderrLog *zap.Logger) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergedEnv(cfg)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logger.Debug("backend process spawned", zap.Int("pid", cmd.Process.Pid))

	p := &process{
		cmd:      cmd,
		writer:   jsonrpc.NewLineWriter(stdin),
		reader:   jsonrpc.NewLineReader(stdout),
		waitDone: make(chan struct{}),
	}

	// Forward child stderr through the backend-tagged logger, one entry per
	// line. It never participates in request processing.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrLog.Info(scanner.Text())
		}
	}()

	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	return p, nil
}

// wait blocks until the process exits and returns its exit error.
func (p *process) wait() error {
	<-p.waitDone
	return p.waitErr
}

// kill terminates the process: graceful signal first, hard kill after the
// grace period. Safe to call after exit.
func (p *process) kill(logger *zap.Logger) {
	select {
	case <-p.waitDone:
		return
	default:
	}

	terminateProcess(p.cmd)

	select {
	case <-p.waitDone:
	case <-time.After(killGrace):
		logger.Warn("backend did not exit after grace period, killing",
			zap.Int("pid", p.cmd.Process.Pid))
		killProcess(p.cmd)
		<-p.waitDone
	}
}

// mergedEnv overlays the backend's env (already ${VAR}-expanded at config
// load) on the inherited environment.
func mergedEnv(cfg *config.BackendConfig) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
