package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// LocalBackend runs the step's command directly as a child process. The
// image reference is ignored; the command must be resolvable on the host.
// Intended for tests and single-node use.
type LocalBackend struct {
	workDir string
	timeout time.Duration

	mu      sync.Mutex
	handles map[string]*localExecution
}

type localExecution struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func NewLocalBackend(workDir string, timeout time.Duration) *LocalBackend {
	return &LocalBackend{
		workDir: strings.TrimSpace(workDir),
		timeout: timeout,
		handles: make(map[string]*localExecution),
	}
}

func (b *LocalBackend) Name() string {
	return "local"
}

func (b *LocalBackend) Dispatch(ctx context.Context, stepExec StepExecution) (Handle, error) {
	if err := stepExec.validate(); err != nil {
		return Handle{}, err
	}
	argv := append(append([]string(nil), stepExec.Command...), stepExec.Args...)
	if len(argv) == 0 {
		return Handle{}, errors.New("local backend requires a command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = b.workDir
	for _, v := range BaseEnv(stepExec) {
		cmd.Env = append(cmd.Env, v.Name+"="+v.Value)
	}
	// Own process group so Cleanup can kill the step and anything it
	// spawned in one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start step process: %w", err)
	}

	le := &localExecution{cmd: cmd, done: make(chan struct{})}
	go func() {
		le.err = cmd.Wait()
		close(le.done)
	}()

	name := ExecutionName(stepExec.StepRunID)
	b.mu.Lock()
	b.handles[name] = le
	b.mu.Unlock()

	return Handle{Backend: b.Name(), ID: name}, nil
}

func (b *LocalBackend) Await(ctx context.Context, handle Handle) (Result, error) {
	le, ok := b.lookup(handle.ID)
	if !ok {
		return Result{}, ErrHandleNotFound
	}

	var timeout <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-le.done:
		if le.err != nil {
			return Result{Success: false, Message: le.err.Error()}, nil
		}
		return Result{Success: true}, nil
	case <-timeout:
		return Result{}, ErrAwaitTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *LocalBackend) Cleanup(ctx context.Context, handle Handle) error {
	b.mu.Lock()
	le, ok := b.handles[handle.ID]
	delete(b.handles, handle.ID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-le.done:
		return nil
	default:
	}
	if le.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-le.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill step process group: %w", err)
	}
	<-le.done
	return nil
}

func (b *LocalBackend) lookup(id string) (*localExecution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	le, ok := b.handles[id]
	return le, ok
}
