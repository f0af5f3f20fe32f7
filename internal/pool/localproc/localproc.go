// Package localproc starts agent worker processes on the local machine.
package localproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/pool"
)

// LocalProc implements pool.Runner by launching a configured worker command.
// The worker receives its identity and the control-plane address through the
// environment and is otherwise opaque to the core.
type LocalProc struct {
	command string
	args    []string
	apiAddr string
	workDir string
}

// New creates a new local process runner. command is the worker binary;
// apiAddr is handed to the worker so it can heartbeat back.
func New(command string, args []string, apiAddr, workDir string) *LocalProc {
	return &LocalProc{
		command: command,
		args:    args,
		apiAddr: apiAddr,
		workDir: workDir,
	}
}

// Name returns the runner identifier.
func (l *LocalProc) Name() string {
	return "localproc"
}

// Start launches the worker process for the given agent record.
func (l *LocalProc) Start(ctx context.Context, agent models.Agent) (pool.Handle, error) {
	if l.command == "" {
		return nil, fmt.Errorf("no worker command configured")
	}

	cmd := exec.Command(l.command, l.args...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}
	cmd.Env = append(os.Environ(),
		"FLEETCORE_AGENT_ID="+agent.ID,
		"FLEETCORE_API_ADDR="+l.apiAddr,
		"FLEETCORE_CAPABILITIES="+strings.Join(agent.Capabilities, ","),
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &procHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// procHandle wraps a running worker process.
type procHandle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Stop asks the process to exit with SIGTERM, escalating to SIGKILL when it
// ignores the request past the context deadline.
func (h *procHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker: %w", err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}

	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker: %w", err)
	}
	<-h.done
	return nil
}
