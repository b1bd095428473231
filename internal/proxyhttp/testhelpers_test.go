// Copyright 2025 James Ross
package proxyhttp

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/health"
	"github.com/flyingrobots/vectorproxy/internal/ledger"
	"github.com/flyingrobots/vectorproxy/internal/mapper"
	"github.com/flyingrobots/vectorproxy/internal/router"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"github.com/flyingrobots/vectorproxy/internal/wal"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testEnv bundles a Server wired to mocked store driver and real
// httptest backend doubles, mirroring the admin-api package's pattern of a
// setup helper returning everything a scenario test needs.
type testEnv struct {
	srv    *Server
	mock   sqlmock.Sqlmock
	prober *health.Prober
	router *router.Router
}

// newTestEnv wires one Server instance the way cmd/vectorproxy does,
// substituting a sqlmock-backed Store for Postgres and real httptest
// servers for the two downstream backends.
func newTestEnv(t *testing.T, primaryURL, replicaURL string, readReplicaRatio float64, consistencyWindow time.Duration, failureThreshold int) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second)

	backends := map[backend.Name]*backend.Backend{
		backend.Primary: backend.New(backend.Primary, primaryURL, 2*time.Second),
		backend.Replica: backend.New(backend.Replica, replicaURL, 2*time.Second),
	}
	log := zap.NewNop()
	prober := health.New(backends, log, time.Minute, failureThreshold, time.Second, "/api/v2/version")
	rt := router.New(prober, readReplicaRatio, consistencyWindow)
	mp := mapper.New(st, log)
	lg := ledger.New(st, prober, log, 3, 10, time.Minute)
	we := wal.New(st, backends, prober, log, 10*time.Second, 3, true, 50, 200, 0.8, 0.8, 3)
	srv := New(rt, mp, lg, we, backends, prober, st, log, 5*time.Second, "test")

	return &testEnv{srv: srv, mock: mock, prober: prober, router: rt}
}
