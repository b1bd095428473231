// Copyright 2025 James Ross

// Package health implements the Health Prober (spec §4.2): a background
// liveness checker whose cached verdict every request consults on its
// fast path.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/obs"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Listener is notified of a backend's healthy/unhealthy transition so
// the routing engine can react without polling the prober.
type Listener func(name backend.Name, healthy bool)

// state tracks one backend's consecutive-failure count and cached
// verdict. The gobreaker.CircuitBreaker gives us the same N-failures /
// single-success state machine spec §4.2 describes, reused here as the
// health flip rather than as a request-path circuit.
type state struct {
	breaker *gobreaker.CircuitBreaker
	healthy atomic.Bool
}

// Prober periodically probes every configured backend and caches a
// healthy/unhealthy verdict per backend for the fast request path.
type Prober struct {
	backends map[backend.Name]*backend.Backend
	log      *zap.Logger

	interval         time.Duration
	failureThreshold int
	probeTimeout     time.Duration
	livenessPath     string

	mu        sync.RWMutex
	states    map[backend.Name]*state
	listeners []Listener
}

func New(backends map[backend.Name]*backend.Backend, log *zap.Logger, interval time.Duration, failureThreshold int, probeTimeout time.Duration, livenessPath string) *Prober {
	p := &Prober{
		backends:         backends,
		log:              log,
		interval:         interval,
		failureThreshold: failureThreshold,
		probeTimeout:     probeTimeout,
		livenessPath:     livenessPath,
		states:           make(map[backend.Name]*state),
	}
	for name := range backends {
		p.states[name] = p.newState(name)
		p.states[name].healthy.Store(true)
	}
	return p
}

func (p *Prober) newState(name backend.Name) *state {
	s := &state{}
	settings := gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     p.interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(p.failureThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				p.transition(name, s, false)
			} else if to == gobreaker.StateClosed {
				p.transition(name, s, true)
			}
		},
	}
	s.breaker = gobreaker.NewCircuitBreaker(settings)
	return s
}

func (p *Prober) transition(name backend.Name, s *state, healthy bool) {
	if s.healthy.Swap(healthy) == healthy {
		return
	}
	if healthy {
		obs.BackendHealthy.WithLabelValues(string(name)).Set(1)
	} else {
		obs.BackendHealthy.WithLabelValues(string(name)).Set(0)
	}
	p.log.Info("backend health transition", zap.String("backend", string(name)), zap.Bool("healthy", healthy))

	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		l(name, healthy)
	}
}

// OnTransition registers a listener invoked on every healthy/unhealthy
// flip, used to wire the routing engine.
func (p *Prober) OnTransition(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// IsHealthy returns the cached verdict for name. Unknown backends report
// unhealthy.
func (p *Prober) IsHealthy(name backend.Name) bool {
	p.mu.RLock()
	s, ok := p.states[name]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return s.healthy.Load()
}

// Healthy returns the names currently considered healthy.
func (p *Prober) Healthy() []backend.Name {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []backend.Name
	for name, s := range p.states {
		if s.healthy.Load() {
			out = append(out, name)
		}
	}
	return out
}

// ProbeOnce runs a single probe pass against every configured backend. It
// is the unit of work the cron scheduler in cmd/vectorproxy invokes on its
// own "@every" cadence (spec §4.2's periodic liveness check).
func (p *Prober) ProbeOnce(ctx context.Context) {
	p.probeAll(ctx)
}

func (p *Prober) probeAll(ctx context.Context) {
	for name, b := range p.backends {
		p.probeOne(ctx, name, b)
	}
}

func (p *Prober) probeOne(ctx context.Context, name backend.Name, b *backend.Backend) {
	p.mu.RLock()
	s := p.states[name]
	p.mu.RUnlock()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, b.Ping(ctx, p.livenessPath, p.probeTimeout)
	})
	if err != nil {
		obs.BackendProbeFailures.WithLabelValues(string(name)).Inc()
	}

	// gobreaker only flips Closed->Open on ReadyToTrip and Open->HalfOpen
	// after Timeout; a single HalfOpen success must close it immediately,
	// which Execute already does via its internal counts, triggering our
	// OnStateChange hook. Nothing further to do here.
}
