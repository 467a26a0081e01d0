package batchjob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPPeerTrigger(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{})
		assert.Error(t, err)
	})

	t.Run("sets defaults", func(t *testing.T) {
		p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: "http://batch/_batchjob/tick"})
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, p.method)
		assert.Equal(t, 5*time.Second, p.timeout)
	})
}

func TestHTTPPeerTrigger_Trigger(t *testing.T) {
	var calls atomic.Int32
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		method.Store(r.Method)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, p.Trigger(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, http.MethodGet, method.Load())
}

func TestHTTPPeerTrigger_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: srv.URL})
	require.NoError(t, err)

	err = p.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPPeerTrigger_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: srv.URL, PerMinute: 1})
	require.NoError(t, err)

	require.NoError(t, p.Trigger(context.Background()))
	err = p.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.EqualValues(t, 1, calls.Load(), "limited calls never reach the network")
}

func TestHTTPPeerTrigger_BackToBackCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: srv.URL})
	require.NoError(t, err)

	// One hand-off per dispatching tick; several tenants due in the same
	// minute produce a quick series of them.
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Trigger(context.Background()))
	}
	assert.EqualValues(t, 5, calls.Load())
}

func TestHTTPPeerTrigger_WaitsForCapacity(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	// 600 per minute refills one call every 100ms.
	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: srv.URL, PerMinute: 600, Timeout: 2 * time.Second})
	require.NoError(t, err)

	for i := 0; i < 601; i++ {
		require.NoError(t, p.Trigger(context.Background()))
	}
	assert.EqualValues(t, 601, calls.Load())
}

func TestHTTPPeerTrigger_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := NewHTTPPeerTrigger(HTTPPeerTriggerConfig{URL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.Error(t, p.Trigger(context.Background()))
}

func TestPeerTriggerFunc(t *testing.T) {
	var called bool
	var trigger PeerTrigger = PeerTriggerFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, trigger.Trigger(context.Background()))
	assert.True(t, called)
}
