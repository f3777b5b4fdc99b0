package ptysession

import (
	"io"
	"sync"
)

// Mock is a Backend that never spawns a real process, for use in tests
// of ptysession/transport code that only care about the state machine
// and I/O plumbing, not a real PTY.
//
// If AutoExit is true, the mock process reports EOF and becomes waitable
// immediately after Script has been delivered; otherwise it behaves like
// a long-running process until the caller sends Kill.
type Mock struct {
	Script   []byte
	AutoExit bool
	ExitCode int
	WaitErr  error
}

func (m Mock) Spawn(argv []string, dir string, env []string, size Winsize) (Proc, error) {
	p := &mockProc{
		out:      make(chan []byte, 64),
		exitCode: m.ExitCode,
		waitErr:  m.WaitErr,
		done:     make(chan struct{}),
	}
	if len(m.Script) > 0 {
		p.out <- append([]byte(nil), m.Script...)
	}
	if m.AutoExit {
		p.killed = true
		close(p.out)
		close(p.done)
	}
	return p, nil
}

var _ Backend = Mock{}

type mockProc struct {
	mu       sync.Mutex
	in       []byte
	out      chan []byte
	size     Winsize
	exitCode int
	waitErr  error
	done     chan struct{}
	killed   bool
}

func (p *mockProc) Read(b []byte) (int, error) {
	chunk, ok := <-p.out
	if !ok {
		return 0, io.EOF
	}
	n := copy(b, chunk)
	if n < len(chunk) {
		// Re-queue the remainder for the next Read call.
		p.out <- chunk[n:]
	}
	return n, nil
}

func (p *mockProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *mockProc) Resize(size Winsize) error {
	p.mu.Lock()
	p.size = size
	p.mu.Unlock()
	return nil
}

func (p *mockProc) Pid() int { return -1 }

func (p *mockProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.out)
		close(p.done)
	}
	return nil
}

func (p *mockProc) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}
