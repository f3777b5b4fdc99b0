package ptysession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxScrollbackBytes bounds the in-memory replay buffer sent to a newly
// attached viewer.
const maxScrollbackBytes = 1 << 20 // 1 MiB

// StateKind is the PTY session lifecycle state, per the state machine:
// Starting -> Running -> Exited(code) | Failed(err).
type StateKind int

const (
	Starting StateKind = iota
	Running
	Exited
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a session's lifecycle state.
type Status struct {
	Kind     StateKind
	ExitCode int
	Err      error
}

// Subscriber receives PTY output chunks for one attached viewer. Sends are
// non-blocking with a bounded queue; a slow subscriber has chunks dropped
// rather than stalling the broadcast to every other viewer.
type Subscriber struct {
	ch     chan []byte
	dropFn func()
}

// Chan returns the channel the transport layer should read from to get
// this subscriber's PTY output.
func (s *Subscriber) Chan() <-chan []byte { return s.ch }

const subscriberQueueDepth = 256

// Session is one PTY-backed wrapped-assistant process plus its live
// viewers.
type Session struct {
	ID          string
	DisplayName string
	Cwd         string
	Argv        []string
	CreatedAt   time.Time

	mu          sync.Mutex
	status      Status
	proc        Proc
	scrollback  []byte
	lastOutput  time.Time
	endedAt     time.Time
	subscribers map[string]*Subscriber
	onStatus    []func(Status)
	sink        OutputSink
}

// NewSession constructs a Session in the Starting state. Call Start to
// actually spawn the child process.
func NewSession(id, displayName, cwd string, argv []string) *Session {
	return &Session{
		ID:          id,
		DisplayName: displayName,
		Cwd:         cwd,
		Argv:        argv,
		CreatedAt:   time.Now(),
		status:      Status{Kind: Starting},
		subscribers: make(map[string]*Subscriber),
	}
}

// SetOutputSink wires sink so every future PTY output chunk is also
// mirrored to the event log. Call before Start; nil (the default) means
// output is kept only in scrollback and broadcast to attached viewers.
func (s *Session) SetOutputSink(sink OutputSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Start spawns the child process via backend and launches the background
// reader goroutine that fans PTY output out to every subscriber.
func (s *Session) Start(backend Backend, env []string, size Winsize) error {
	proc, err := backend.Spawn(s.Argv, s.Cwd, env, size)
	if err != nil {
		s.setStatus(Status{Kind: Failed, Err: err})
		return fmt.Errorf("ptysession: spawn %s: %w", s.ID, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.status = Status{Kind: Running}
	s.mu.Unlock()

	go s.readLoop(proc)
	return nil
}

// readLoop drains PTY output until EOF, then waits for the process to
// fully exit and transitions to Exited/Failed.
func (s *Session) readLoop(proc Proc) {
	buf := make([]byte, 4096)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			s.publish(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}

	code, waitErr := proc.Wait()

	s.mu.Lock()
	s.endedAt = time.Now()
	if waitErr != nil {
		s.status = Status{Kind: Failed, Err: waitErr}
	} else {
		s.status = Status{Kind: Exited, ExitCode: code}
	}
	status := s.status
	hooks := append([]func(Status){}, s.onStatus...)
	s.mu.Unlock()

	for _, h := range hooks {
		h(status)
	}
	slog.Info("ptysession: process ended", "session_id", s.ID, "status", status.Kind.String(), "exit_code", code)
}

// publish appends chunk to the scrollback ring and fans it out to every
// attached subscriber.
func (s *Session) publish(chunk []byte) {
	s.mu.Lock()
	s.scrollback = append(s.scrollback, chunk...)
	if len(s.scrollback) > maxScrollbackBytes {
		s.scrollback = s.scrollback[len(s.scrollback)-maxScrollbackBytes:]
	}
	s.lastOutput = time.Now()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	sink := s.sink
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- chunk:
		default:
			if sub.dropFn != nil {
				sub.dropFn()
			}
		}
	}

	// The log append is awaited here, deliberately: a backpressured or
	// slow append stalls this reader goroutine, which backs up the PTY
	// master's kernel buffer and naturally slows the child. This is
	// independent of the per-subscriber broadcast above, which never
	// blocks on a slow viewer.
	if sink != nil {
		if err := sink.Append(context.Background(), s.ID, chunk); err != nil {
			slog.Error("ptysession: log append failed", "session_id", s.ID, "error", err)
		}
	}
}

// Attach registers a new viewer identified by connID and returns the
// scrollback replay plus a Subscriber to read live output from.
func (s *Session) Attach(connID string, onDrop func()) (replay []byte, sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replay = append([]byte(nil), s.scrollback...)
	sub = &Subscriber{ch: make(chan []byte, subscriberQueueDepth), dropFn: onDrop}
	s.subscribers[connID] = sub
	return replay, sub
}

// Detach removes connID's subscription.
func (s *Session) Detach(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, connID)
}

// Write sends input bytes to the child's stdin via the PTY.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("ptysession: %s has no live process", s.ID)
	}
	_, err := proc.Write(p)
	return err
}

// Resize changes the PTY's terminal dimensions.
func (s *Session) Resize(size Winsize) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("ptysession: %s has no live process", s.ID)
	}
	return proc.Resize(size)
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatusChange registers a callback invoked once, when the session
// reaches Exited or Failed.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = append(s.onStatus, fn)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Kill terminates the underlying process, if any.
func (s *Session) Kill() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}
