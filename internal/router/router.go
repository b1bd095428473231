// Copyright 2025 James Ross

// Package router implements the Health & Routing Engine (spec §4.6):
// write routing with primary preference and replica fallback, read
// routing with a ratio split and consistency-window stickiness.
package router

import (
	"math/rand"
	"sync"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/obs"
)

// HealthChecker is the narrow view of health.Prober the router needs.
type HealthChecker interface {
	IsHealthy(name backend.Name) bool
}

// pin records a collection's consistency-window stickiness to the
// backend that last served a successful write for it.
type pin struct {
	backend backend.Name
	expires time.Time
}

// Router picks a backend for each incoming request per spec §4.6.
type Router struct {
	health HealthChecker

	readReplicaRatio  float64
	consistencyWindow time.Duration

	mu   sync.Mutex
	pins map[string]pin

	rand *rand.Rand
	randMu sync.Mutex
}

func New(health HealthChecker, readReplicaRatio float64, consistencyWindow time.Duration) *Router {
	return &Router{
		health:            health,
		readReplicaRatio:  readReplicaRatio,
		consistencyWindow: consistencyWindow,
		pins:              make(map[string]pin),
		rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ErrNoBackendAvailable is returned when neither backend is healthy.
var ErrNoBackendAvailable = backend.New(backend.KindNoBackendAvailable, nil)

// RouteWrite picks primary if healthy, else replica, else fails.
func (r *Router) RouteWrite() (backend.Name, error) {
	var chosen backend.Name
	switch {
	case r.health.IsHealthy(backend.Primary):
		chosen = backend.Primary
	case r.health.IsHealthy(backend.Replica):
		chosen = backend.Replica
	default:
		return "", ErrNoBackendAvailable
	}
	obs.RoutedWrites.WithLabelValues(string(chosen)).Inc()
	return chosen, nil
}

// PinAfterWrite records the consistency-window stickiness a successful
// write earns its collection (spec §4.6's last write-routing bullet).
func (r *Router) PinAfterWrite(collectionID string, servedBy backend.Name) {
	if collectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[collectionID] = pin{backend: servedBy, expires: time.Now().Add(r.consistencyWindow)}
}

// RouteRead picks the pinned backend if the collection's consistency
// window is active, else splits by ratio, falling back to the other
// backend if the chosen one is unhealthy.
func (r *Router) RouteRead(collectionID string) (backend.Name, error) {
	if name, ok := r.activePin(collectionID); ok {
		if r.health.IsHealthy(name) {
			obs.ConsistencyWindowHits.Inc()
			obs.RoutedReads.WithLabelValues(string(name)).Inc()
			return name, nil
		}
		// Pinned backend unhealthy; fall through to the ratio split.
	}

	chosen := r.pickByRatio()
	if !r.health.IsHealthy(chosen) {
		chosen = other(chosen)
	}
	if !r.health.IsHealthy(chosen) {
		return "", ErrNoBackendAvailable
	}
	obs.RoutedReads.WithLabelValues(string(chosen)).Inc()
	return chosen, nil
}

func (r *Router) activePin(collectionID string) (backend.Name, bool) {
	if collectionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[collectionID]
	if !ok || time.Now().After(p.expires) {
		return "", false
	}
	return p.backend, true
}

func (r *Router) pickByRatio() backend.Name {
	r.randMu.Lock()
	f := r.rand.Float64()
	r.randMu.Unlock()
	if f < r.readReplicaRatio {
		return backend.Replica
	}
	return backend.Primary
}

func other(name backend.Name) backend.Name {
	if name == backend.Primary {
		return backend.Replica
	}
	return backend.Primary
}
