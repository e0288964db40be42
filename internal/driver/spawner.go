package driver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SpawnRequest describes one target invocation: the command vector, the
// seed to feed on stdin, the preload library to inject, and the pipe
// write-end the child should inherit.
type SpawnRequest struct {
	Command    []string
	Stdin      io.Reader
	PreloadLib string
	PipeWriter *os.File
	Timeout    time.Duration
}

// Spawner runs one target invocation to completion. The caller closes
// req.PipeWriter once Spawn returns.
type Spawner interface {
	Spawn(req SpawnRequest) error
}

// LocalSpawner runs the target as a child process on the local machine,
// injecting the interposition library via LD_PRELOAD and handing it the
// pipe write-end as an inherited, non-standard fd.
type LocalSpawner struct{}

// NewLocalSpawner builds a LocalSpawner.
func NewLocalSpawner() *LocalSpawner { return &LocalSpawner{} }

// Spawn runs req.Command, redirecting stdin from req.Stdin and discarding
// stdout/stderr, with req.PipeWriter inherited as an extra fd and
// QUIKCOV_LDPRELOAD_PIPE_FD naming its in-child fd number.
func (s *LocalSpawner) Spawn(req SpawnRequest) error {
	if len(req.Command) == 0 {
		return fmt.Errorf("driver: spawn request has an empty command vector")
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Stdin = req.Stdin
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.ExtraFiles = []*os.File{req.PipeWriter}

	// Run the target in its own process group so a timeout can reclaim any
	// descendants it forks, not just the direct child exec.Cmd tracks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// ExtraFiles[0] lands at fd 3 in the child: stdin(0), stdout(1), stderr(2)
	// are always present ahead of it.
	const inheritedPipeFd = 3
	cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+req.PreloadLib,
		fmt.Sprintf("QUIKCOV_LDPRELOAD_PIPE_FD=%d", inheritedPipeFd),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("driver: failed to start target: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer *time.Timer
	var timedOut <-chan time.Time
	if req.Timeout > 0 {
		timer = time.NewTimer(req.Timeout)
		timedOut = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-done:
		if err != nil {
			if _, ok := err.(*exec.ExitError); ok {
				return nil // a nonzero exit from the target itself is not a driver error
			}
			return fmt.Errorf("driver: failed to run target: %w", err)
		}
		return nil
	case <-timedOut:
		if pgid, err := unix.Getpgid(cmd.Process.Pid); err == nil {
			_ = unix.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
		<-done
		return fmt.Errorf("driver: target timed out after %s", req.Timeout)
	}
}
