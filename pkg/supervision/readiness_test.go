package supervision

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReadySucceedsWhenBothPortsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer httpSrv.Close()

	err = WaitReady(context.Background(), ln.Addr().String(), httpSrv.URL, make(chan error), 10*time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestWaitReadyTimesOutWhenNothingListening(t *testing.T) {
	err := WaitReady(context.Background(), "127.0.0.1:1", "http://127.0.0.1:1/varz", make(chan error), 10*time.Millisecond, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestWaitReadyAbortsOnProcessExit(t *testing.T) {
	exited := make(chan error, 1)
	exited <- assert.AnError

	err := WaitReady(context.Background(), "127.0.0.1:1", "http://127.0.0.1:1/varz", exited, 10*time.Millisecond, time.Second)
	assert.Error(t, err)
}
