// Copyright 2025 James Ross
package proxyhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collectionsPath = "/api/v2/tenants/default_tenant/databases/default_database/collections"

func namedHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Name", name)
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"` + name + `-uuid","name":"stub","configuration_json":{}}`))
	}
}

func alwaysFailingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// TestHandleWriteScenario2_PrimaryDownReplicaServes covers spec §8 scenario
// 2: with primary flipped unhealthy by the prober, a write is served by
// replica and the resulting mapping row carries a null primary_uuid (the
// collection only ever materialized on replica, so UpsertMapping's replica
// branch is the only store call AutoMap makes).
func TestHandleWriteScenario2_PrimaryDownReplicaServes(t *testing.T) {
	primary := httptest.NewServer(alwaysFailingHandler())
	defer primary.Close()
	replica := httptest.NewServer(namedHandler("replica"))
	defer replica.Close()

	env := newTestEnv(t, primary.URL, replica.URL, 0.5, time.Minute, 1)
	env.prober.ProbeOnce(context.Background())
	require.False(t, env.prober.IsHealthy(backend.Primary))
	require.True(t, env.prober.IsHealthy(backend.Replica))

	env.mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("INSERT INTO wal").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE wal SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec(`INSERT INTO collection_mappings \(name, replica_uuid`).WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+collectionsPath, "application/json", strings.NewReader(`{"name":"docs_B"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "replica", resp.Header.Get("X-Backend-Name"))
	require.NoError(t, env.mock.ExpectationsWereMet())
}

// TestHandleWriteScenario3_TimingGapReturns503 covers spec §8 scenario 3:
// primary is never probed (so the prober's cached verdict stays healthy)
// but the real call to primary fails, which is exactly the timing gap the
// ledger exists to catch. The client sees a 503 with a Transaction-ID
// header, and the ledger row is marked is_timing_gap_failure=true.
func TestHandleWriteScenario3_TimingGapReturns503(t *testing.T) {
	deadPrimary := httptest.NewServer(alwaysFailingHandler())
	primaryURL := deadPrimary.URL
	deadPrimary.Close() // now refuses connections entirely

	replica := httptest.NewServer(namedHandler("replica"))
	defer replica.Close()

	env := newTestEnv(t, primaryURL, replica.URL, 0.5, time.Minute, 3)
	require.True(t, env.prober.IsHealthy(backend.Primary), "primary's cached verdict must still read healthy; it was never probed")

	env.mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("INSERT INTO wal").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE wal SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE ledger SET status").
		WithArgs(sqlmock.AnyArg(), string(store.LedgerFailed), true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+collectionsPath, "application/json", strings.NewReader(`{"name":"docs_C"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	txID := resp.Header.Get("Transaction-ID")
	assert.NotEmpty(t, txID)

	var fb struct {
		Error             string `json:"error"`
		TransactionID     string `json:"transaction_id"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fb))
	assert.Equal(t, string(backend.KindBackendUnavailable), fb.Error)
	assert.Equal(t, txID, fb.TransactionID)
	assert.Equal(t, 60, fb.RetryAfterSeconds)

	require.NoError(t, env.mock.ExpectationsWereMet())
}

// TestHandleWriteScenario5_ConsistencyWindowPin covers spec §8 scenario 5:
// a successful write pins its collection to whichever backend served it,
// overriding the ratio split for reads inside the consistency window, then
// releasing back to ratio-based routing once the window expires.
func TestHandleWriteScenario5_ConsistencyWindowPin(t *testing.T) {
	primary := httptest.NewServer(namedHandler("primary"))
	defer primary.Close()
	replica := httptest.NewServer(namedHandler("replica"))
	defer replica.Close()

	// readReplicaRatio 1.0 means pickByRatio always picks replica once the
	// pin expires; the write itself always prefers primary while healthy.
	env := newTestEnv(t, primary.URL, replica.URL, 1.0, 100*time.Millisecond, 3)

	now := time.Now()
	primaryUUID, replicaUUID := "primary-uuid-A", "replica-uuid-A"
	mappingRow := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "configuration", "created_at", "updated_at"}).
		AddRow("docs_A", primaryUUID, replicaUUID, []byte("{}"), now, now)

	env.mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("SELECT \\* FROM collection_mappings WHERE name").WillReturnRows(mappingRow)
	env.mock.ExpectExec("INSERT INTO wal").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE wal SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	writeResp, err := http.Post(ts.URL+"/api/v2/tenants/default_tenant/databases/default_database/collections/docs_A/points", "application/json", strings.NewReader(`{"id":"doc-1"}`))
	require.NoError(t, err)
	writeResp.Body.Close()
	require.Equal(t, http.StatusCreated, writeResp.StatusCode)
	require.Equal(t, "primary", writeResp.Header.Get("X-Backend-Name"))

	pinnedResp, err := http.Get(ts.URL + "/api/v2/tenants/default_tenant/databases/default_database/collections/docs_A/points")
	require.NoError(t, err)
	pinnedResp.Body.Close()
	assert.Equal(t, "primary", pinnedResp.Header.Get("X-Backend-Name"), "read inside the consistency window must stick to the backend the write used, even though ratio=1.0 would otherwise pick replica")

	time.Sleep(150 * time.Millisecond)

	releasedResp, err := http.Get(ts.URL + "/api/v2/tenants/default_tenant/databases/default_database/collections/docs_A/points")
	require.NoError(t, err)
	releasedResp.Body.Close()
	assert.Equal(t, "replica", releasedResp.Header.Get("X-Backend-Name"), "once the pin expires, routing should fall back to the ratio split")

	require.NoError(t, env.mock.ExpectationsWereMet())
}

// TestHandleCollectionDelete_DualBackend covers the dual-backend collection
// delete: both UUIDs are resolved, DELETE is issued to each backend with
// its own UUID substituted into the path, the mapping row is removed, and
// the WAL row logged for it targets both instances.
func TestHandleCollectionDelete_DualBackend(t *testing.T) {
	var mu sync.Mutex
	var primaryDeletedPath, replicaDeletedPath string

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		primaryDeletedPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()
	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		replicaDeletedPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer replica.Close()

	env := newTestEnv(t, primary.URL, replica.URL, 0.5, time.Minute, 3)

	now := time.Now()
	primaryUUID, replicaUUID := "p-uuid-D", "r-uuid-D"
	mappingRow := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "configuration", "created_at", "updated_at"}).
		AddRow("docs_D", primaryUUID, replicaUUID, []byte("{}"), now, now)

	env.mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("SELECT \\* FROM collection_mappings WHERE name").WillReturnRows(mappingRow)
	env.mock.ExpectExec("INSERT INTO wal").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE wal SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("DELETE FROM collection_mappings WHERE name").WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v2/tenants/default_tenant/databases/default_database/collections/docs_D", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mu.Lock()
	assert.Contains(t, primaryDeletedPath, primaryUUID)
	assert.Contains(t, replicaDeletedPath, replicaUUID)
	mu.Unlock()
	require.NoError(t, env.mock.ExpectationsWereMet())
}

// TestHandleWriteRejectsWhenNoBackendHealthy exercises the failure path
// where routing itself fails before any backend is contacted.
func TestHandleWriteRejectsWhenNoBackendHealthy(t *testing.T) {
	primary := httptest.NewServer(alwaysFailingHandler())
	defer primary.Close()
	replica := httptest.NewServer(alwaysFailingHandler())
	defer replica.Close()

	env := newTestEnv(t, primary.URL, replica.URL, 0.5, time.Minute, 1)
	env.prober.ProbeOnce(context.Background())
	require.False(t, env.prober.IsHealthy(backend.Primary))
	require.False(t, env.prober.IsHealthy(backend.Replica))

	env.mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+collectionsPath, "application/json", bytes.NewBufferString(`{"name":"docs_E"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, env.mock.ExpectationsWereMet())
}
