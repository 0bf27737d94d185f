package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
)

// ExitResult reports how a worker process terminated.
type ExitResult struct {
	Code   int    // exit code, -1 when killed by a signal
	Signal string // terminating signal name, empty on normal exit
	Err    error  // error returned by Wait, nil on clean exit
}

// Handle is the supervisor's view of one spawned OS process. The pairing of
// one worker record and its bridge attachment exclusively owns the handle and
// its three streams; Done is closed exactly once, after Wait has returned.
type Handle interface {
	RunID() string
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Terminate() error
	Kill() error
	Done() <-chan ExitResult
}

// Runner spawns worker processes. The indirection exists so supervisor tests
// can substitute a fake process instead of forking.
type Runner interface {
	Spawn(spec Spec, env []string, stderr io.Writer) (Handle, error)
}

// OSRunner launches real OS processes with stdin/stdout piped to the caller
// and stderr (the diagnostic stream) redirected to the given writer.
type OSRunner struct{}

type osHandle struct {
	runID  string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan ExitResult
}

func (r OSRunner) Spawn(spec Spec, env []string, stderr io.Writer) (Handle, error) {
	// #nosec G204 -- command and args passed the validator before spawn
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	h := &osHandle{
		runID:  uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan ExitResult, 1),
	}
	go h.wait()
	return h, nil
}

func (h *osHandle) wait() {
	err := h.cmd.Wait()
	res := ExitResult{Err: err}
	if err == nil {
		res.Code = 0
	} else if ee, ok := err.(*exec.ExitError); ok {
		res.Code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	} else {
		res.Code = -1
	}
	h.done <- res
	close(h.done)
}

func (h *osHandle) RunID() string          { return h.runID }
func (h *osHandle) PID() int               { return h.cmd.Process.Pid }
func (h *osHandle) Stdin() io.WriteCloser  { return h.stdin }
func (h *osHandle) Stdout() io.ReadCloser  { return h.stdout }
func (h *osHandle) Done() <-chan ExitResult { return h.done }

// Terminate signals the whole process group so shell-wrapped workers do not
// leave orphans behind.
func (h *osHandle) Terminate() error {
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
}

func (h *osHandle) Kill() error {
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}
