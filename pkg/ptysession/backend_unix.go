package ptysession

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPty allocates a PTY and starts argv[0] inside it. pty.Start sets
// Setsid on the child, making it a session leader and its own process
// group (PGID == PID); Kill relies on that to signal the whole
// group rather than a single process.
func startPty(argv []string, dir string, env []string, size Winsize) (Proc, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptysession: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	if err != nil {
		return nil, fmt.Errorf("ptysession: pty.Start: %w", err)
	}

	pid := cmd.Process.Pid
	p := &osProc{
		ptm: ptm,
		pid: pid,
		kill: func() error {
			pgid, err := syscall.Getpgid(pid)
			if err == nil && pgid > 0 {
				return syscall.Kill(-pgid, syscall.SIGKILL)
			}
			return syscall.Kill(pid, syscall.SIGKILL)
		},
		cmdWait: func() (int, error) {
			waitErr := cmd.Wait()
			defer ptm.Close()
			if waitErr == nil {
				return 0, nil
			}
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				return exitErr.ExitCode(), nil
			}
			return -1, waitErr
		},
	}
	return p, nil
}
