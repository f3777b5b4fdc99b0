package hookingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/loomd/pkg/eventid"
	"github.com/run-vibes/loomd/pkg/eventlog"
)

type fakeLog struct {
	mu       sync.Mutex
	appended []eventlog.Envelope
	failFor  string
}

func (f *fakeLog) Append(ctx context.Context, env eventlog.Envelope) error {
	if f.failFor != "" && env.Topic == f.failFor {
		return eventlog.ErrBackpressured
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, env)
	return nil
}

func (f *fakeLog) OpenConsumer(ctx context.Context, topic, partition, group string, pos eventlog.SeekPosition) (eventlog.ConsumerHandle, error) {
	return eventlog.ConsumerHandle{}, nil
}
func (f *fakeLog) Poll(ctx context.Context, h eventlog.ConsumerHandle, max int) ([]eventlog.Envelope, error) {
	return nil, nil
}
func (f *fakeLog) Commit(ctx context.Context, h eventlog.ConsumerHandle, ids []eventid.ID) error {
	return nil
}
func (f *fakeLog) Seek(ctx context.Context, h eventlog.ConsumerHandle, pos eventlog.SeekPosition) error {
	return nil
}
func (f *fakeLog) Close() error { return nil }

func newEcho(h *Handler) *echo.Echo {
	e := echo.New()
	h.ServeEcho(e)
	return e
}

func TestHandlerAcceptsValidEvent(t *testing.T) {
	log := &fakeLog{}
	h := NewHandler(eventlog.NewOrderedAppender(log, eventid.NewGenerator()))
	e := newEcho(h)

	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{"type":"tool.call","session_id":"s1","data":{"tool":"ls"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.appended, 2) // primary + hooks mirror
	assert.Equal(t, eventlog.PrimaryTopic, log.appended[0].Topic)
	assert.Equal(t, eventlog.HooksTopic, log.appended[1].Topic)
}

func TestHandlerRejectsMissingType(t *testing.T) {
	log := &fakeLog{}
	h := NewHandler(eventlog.NewOrderedAppender(log, eventid.NewGenerator()))
	e := newEcho(h)

	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{"data":{}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerReturnsRejectedOnBackpressure(t *testing.T) {
	log := &fakeLog{failFor: eventlog.PrimaryTopic}
	h := NewHandler(eventlog.NewOrderedAppender(log, eventid.NewGenerator()))
	e := newEcho(h)

	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(`{"type":"tool.call"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
