package mikoshi

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Runner abstracts external command execution so pipeline phases can be
// exercised against a substitute implementation instead of real tools.
type Runner interface {
	Run(cmd *exec.Cmd) error
}

// Executor is the production Runner. It wires stdio, isolates children in
// their own process group, and kills the whole group when the context is
// cancelled.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
	Interactive       bool            // Interactive indicates whether the command may prompt the user
	Stdout            io.Writer       // Default stdout when the command sets none
	Stderr            io.Writer       // Default stderr when the command sets none
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run executes the given command. It wires up stdio, isolates the child in
// its own process group for cleanup, and rebuilds the invocation with the
// idle-priority wrapper when requested.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		if e.Stdout != nil {
			cmd.Stdout = e.Stdout
		} else {
			cmd.Stdout = os.Stdout
		}
	}
	if cmd.Stderr == nil {
		if e.Stderr != nil {
			cmd.Stderr = e.Stderr
		} else {
			cmd.Stderr = os.Stderr
		}
	}

	// --- Phase 1: build the final command ---
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	// Apply IDLE/NICENESS wrapper if requested
	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(e.Context, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	// carry over stdio
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// --- Phase 2: isolate process group for context-based cleanup ---
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	// Conditionally manage cancellation. If interactive, let CommandContext
	// handle it. Otherwise, manage the entire process group.
	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
