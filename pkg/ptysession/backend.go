// Package ptysession manages PTY-backed sessions: spawning the wrapped
// assistant process, multiplexing its I/O to any number of attached
// viewers, and tracking each session's lifecycle.
package ptysession

import (
	"os"

	"github.com/creack/pty"
)

// Winsize mirrors pty.Winsize without exposing the creack/pty type in
// every caller's import list.
type Winsize struct {
	Cols uint16
	Rows uint16
}

// Proc is a spawned child process attached to a PTY master.
type Proc interface {
	// Read reads raw PTY output.
	Read(p []byte) (int, error)
	// Write sends input to the child's stdin via the PTY.
	Write(p []byte) (int, error)
	// Resize changes the PTY's terminal dimensions.
	Resize(size Winsize) error
	// Wait blocks until the child exits and returns its exit code, or a
	// non-nil error if the process could not be waited on. A child killed
	// by a signal reports exit code -1 with a nil error.
	Wait() (code int, err error)
	// Kill terminates the child's entire process group.
	Kill() error
	// Pid returns the child's process id.
	Pid() int
}

// Backend creates Procs. PtyBackend is the production implementation;
// Mock is used in tests that don't want to spawn real processes.
type Backend interface {
	Spawn(argv []string, dir string, env []string, size Winsize) (Proc, error)
}

// PtyBackend spawns real OS processes inside a pseudo-terminal via
// creack/pty, placing each child in its own session/process group so it
// can be torn down with a single SIGKILL to the group.
type PtyBackend struct{}

// Spawn implements Backend.
func (PtyBackend) Spawn(argv []string, dir string, env []string, size Winsize) (Proc, error) {
	return startPty(argv, dir, env, size)
}

var _ Backend = PtyBackend{}

type osProc struct {
	cmdWait func() (int, error)
	ptm     *os.File
	pid     int
	kill    func() error
}

func (p *osProc) Read(b []byte) (int, error)  { return p.ptm.Read(b) }
func (p *osProc) Write(b []byte) (int, error) { return p.ptm.Write(b) }
func (p *osProc) Pid() int                    { return p.pid }
func (p *osProc) Kill() error                 { return p.kill() }
func (p *osProc) Wait() (int, error)          { return p.cmdWait() }

func (p *osProc) Resize(size Winsize) error {
	return pty.Setsize(p.ptm, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}
