// Copyright 2025 James Ross
package router

import (
	"testing"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ healthy map[backend.Name]bool }

func (f fakeHealth) IsHealthy(name backend.Name) bool { return f.healthy[name] }

func TestRouteWritePrefersPrimary(t *testing.T) {
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Primary: true, backend.Replica: true}}, 0.8, time.Minute)
	got, err := r.RouteWrite()
	require.NoError(t, err)
	assert.Equal(t, backend.Primary, got)
}

func TestRouteWriteFallsBackToReplica(t *testing.T) {
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Replica: true}}, 0.8, time.Minute)
	got, err := r.RouteWrite()
	require.NoError(t, err)
	assert.Equal(t, backend.Replica, got)
}

func TestRouteWriteFailsWhenBothDown(t *testing.T) {
	r := New(fakeHealth{}, 0.8, time.Minute)
	_, err := r.RouteWrite()
	require.Error(t, err)
	assert.Equal(t, backend.KindNoBackendAvailable, backend.KindOf(err))
}

func TestRouteReadUsesActivePin(t *testing.T) {
	// ratio 1.0 would always pick Replica, so Primary can only come from the pin.
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Primary: true, backend.Replica: true}}, 1.0, time.Minute)
	r.PinAfterWrite("docs", backend.Primary)
	got, err := r.RouteRead("docs")
	require.NoError(t, err)
	assert.Equal(t, backend.Primary, got)
}

func TestRouteReadPinExpires(t *testing.T) {
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Primary: true, backend.Replica: true}}, 0.0, time.Millisecond)
	r.PinAfterWrite("docs", backend.Replica)
	time.Sleep(5 * time.Millisecond)
	// ratio is 0.0, meaning pickByRatio always returns Primary (f < 0.0 is never true).
	got, err := r.RouteRead("docs")
	require.NoError(t, err)
	assert.Equal(t, backend.Primary, got)
}

func TestRouteReadFallsBackWhenChosenUnhealthy(t *testing.T) {
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Primary: true}}, 1.0, time.Minute)
	got, err := r.RouteRead("docs")
	require.NoError(t, err)
	assert.Equal(t, backend.Primary, got)
}

func TestRouteReadFailsWhenBothDown(t *testing.T) {
	r := New(fakeHealth{}, 0.8, time.Minute)
	_, err := r.RouteRead("docs")
	require.Error(t, err)
}

func TestPinIgnoredForEmptyCollectionID(t *testing.T) {
	r := New(fakeHealth{healthy: map[backend.Name]bool{backend.Primary: true, backend.Replica: true}}, 0.8, time.Minute)
	r.PinAfterWrite("", backend.Primary)
	_, ok := r.activePin("")
	assert.False(t, ok)
}
