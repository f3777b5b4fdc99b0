package ptysession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutputSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeOutputSink) Append(ctx context.Context, sessionID string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeOutputSink) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.chunks...)
}

func TestSessionLifecycleAutoExit(t *testing.T) {
	s := NewSession("sess-1", "test", "/tmp", []string{"echo", "hi"})
	assert.Equal(t, Starting, s.Status().Kind)

	backend := Mock{Script: []byte("hello world"), AutoExit: true, ExitCode: 0}
	require.NoError(t, s.Start(backend, nil, Winsize{Cols: 80, Rows: 24}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Status().Kind != Running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	st := s.Status()
	assert.Equal(t, Exited, st.Kind)
	assert.Equal(t, 0, st.ExitCode)
}

func TestSessionAttachReplaysScrollback(t *testing.T) {
	s := NewSession("sess-2", "test", "/tmp", []string{"cat"})
	backend := Mock{Script: []byte("prior output"), AutoExit: false}
	require.NoError(t, s.Start(backend, nil, Winsize{Cols: 80, Rows: 24}))

	// Give the read loop a chance to drain the scripted chunk into scrollback.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.scrollback)
		s.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	replay, sub := s.Attach("conn-1", nil)
	assert.Equal(t, []byte("prior output"), replay)
	assert.NotNil(t, sub)

	s.Detach("conn-1")
	require.NoError(t, s.Kill())
}

func TestSessionPublishesOutputToSink(t *testing.T) {
	s := NewSession("sess-sink", "test", "/tmp", []string{"cat"})
	sink := &fakeOutputSink{}
	s.SetOutputSink(sink)
	backend := Mock{Script: []byte("mirrored"), AutoExit: true, ExitCode: 0}
	require.NoError(t, s.Start(backend, nil, Winsize{Cols: 80, Rows: 24}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	chunks := sink.snapshot()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("mirrored"), chunks[0])
}

func TestSessionWriteWithoutProcessErrors(t *testing.T) {
	s := NewSession("sess-3", "test", "/tmp", []string{"cat"})
	err := s.Write([]byte("x"))
	assert.Error(t, err)
}

// TestSessionDropsSlowSubscriberWithoutStallingOthersOrTheSession exercises
// the slow-subscriber contract directly at the publish layer: a subscriber
// that never drains its queue gets its chunks dropped (via dropFn) once the
// queue saturates, while a subscriber that does keep up receives every
// chunk in order, and the session's own lifecycle is unaffected either way.
// publish is driven synchronously here (rather than through a backend's
// read loop) so the "fast" subscriber's draining isn't racing the
// goroutine scheduler: each publish call is immediately followed by a
// drain, so it can never itself overflow.
func TestSessionDropsSlowSubscriberWithoutStallingOthersOrTheSession(t *testing.T) {
	s := NewSession("sess-slow", "test", "/tmp", []string{"cat"})
	require.NoError(t, s.Start(Mock{AutoExit: false}, nil, Winsize{Cols: 80, Rows: 24}))
	t.Cleanup(func() { _ = s.Kill() })

	var dropped int32
	_, slowSub := s.Attach("slow", func() { atomic.AddInt32(&dropped, 1) })
	_, fastSub := s.Attach("fast", func() { t.Error("fast subscriber should never be dropped") })

	want := make([]byte, subscriberQueueDepth+50)
	for i := range want {
		want[i] = byte('a' + i%26)
	}

	got := make([]byte, 0, len(want))
	for i := range want {
		s.publish(want[i : i+1])
		select {
		case chunk := <-fastSub.Chan():
			got = append(got, chunk...)
		default:
			t.Fatalf("fast subscriber missed chunk %d", i)
		}
	}

	assert.Equal(t, want, got, "fast subscriber must receive every chunk, in order")
	assert.Greater(t, atomic.LoadInt32(&dropped), int32(0), "slow subscriber's dropFn should have fired")
	assert.Equal(t, Running, s.Status().Kind, "a slow subscriber must not affect session lifecycle")
	assert.Equal(t, subscriberQueueDepth, len(slowSub.Chan()), "slow subscriber's queue should be saturated, not drained")

	s.Detach("slow")
	s.Detach("fast")
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	s1 := NewSession("dup", "a", "/tmp", nil)
	s2 := NewSession("dup", "b", "/tmp", nil)

	require.NoError(t, r.Register(s1))
	assert.Error(t, r.Register(s2))

	got, ok := r.Get("dup")
	assert.True(t, ok)
	assert.Same(t, s1, got)

	r.Unregister("dup")
	_, ok = r.Get("dup")
	assert.False(t, ok)
}

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry()
	s := NewSession("health-1", "a", "/tmp", nil)
	require.NoError(t, r.Register(s))

	backend := Mock{AutoExit: false}
	require.NoError(t, s.Start(backend, nil, Winsize{Cols: 80, Rows: 24}))

	h := r.Health()
	assert.Equal(t, 1, h.TotalSessions)
	assert.Equal(t, 1, h.RunningSessions)
}
