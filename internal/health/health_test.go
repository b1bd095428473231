// Copyright 2025 James Ross
package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitialStateIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backends := map[backend.Name]*backend.Backend{backend.Primary: backend.New(backend.Primary, srv.URL, time.Second)}
	p := New(backends, zap.NewNop(), time.Hour, 3, time.Second, "/api/v2/version")
	assert.True(t, p.IsHealthy(backend.Primary))
	assert.Contains(t, p.Healthy(), backend.Primary)
}

func TestUnknownBackendIsUnhealthy(t *testing.T) {
	p := New(nil, zap.NewNop(), time.Hour, 3, time.Second, "/x")
	assert.False(t, p.IsHealthy(backend.Replica))
}

func TestFlipsUnhealthyAfterConsecutiveFailureThreshold(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backends := map[backend.Name]*backend.Backend{backend.Primary: backend.New(backend.Primary, srv.URL, time.Second)}
	p := New(backends, zap.NewNop(), time.Hour, 3, time.Second, "/api/v2/version")

	var transitions []bool
	p.OnTransition(func(name backend.Name, healthy bool) { transitions = append(transitions, healthy) })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.probeOne(ctx, backend.Primary, backends[backend.Primary])
	}
	require.False(t, p.IsHealthy(backend.Primary))
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0])
}

func TestRecoversOnSingleSuccessAfterBreakerTimeout(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backends := map[backend.Name]*backend.Backend{backend.Primary: backend.New(backend.Primary, srv.URL, time.Second)}
	p := New(backends, zap.NewNop(), 10*time.Millisecond, 3, time.Second, "/api/v2/version")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.probeOne(ctx, backend.Primary, backends[backend.Primary])
	}
	require.False(t, p.IsHealthy(backend.Primary))

	fail.Store(false)
	time.Sleep(20 * time.Millisecond) // allow breaker Timeout to elapse into half-open
	p.probeOne(ctx, backend.Primary, backends[backend.Primary])
	assert.True(t, p.IsHealthy(backend.Primary))
}
