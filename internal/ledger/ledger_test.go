// Copyright 2025 James Ross
package ledger

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHealth struct{ healthy map[backend.Name]bool }

func (f *fakeHealth) IsHealthy(name backend.Name) bool { return f.healthy[name] }

func newTestLedger(t *testing.T, healthy map[backend.Name]bool) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second)
	return New(st, &fakeHealth{healthy: healthy}, zap.NewNop(), 3, 10, time.Minute), mock
}

func TestAttemptInsertsRowBeforeRouting(t *testing.T) {
	l, mock := newTestLedger(t, nil)
	mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := l.Attempt(context.Background(), http.MethodPost, "/collections", []byte(`{}`), nil, "write", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureMarksTimingGapWhenBackendBelievedHealthy(t *testing.T) {
	l, mock := newTestLedger(t, map[backend.Name]bool{backend.Primary: true})
	mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.RecordFailure(context.Background(), "t-1", backend.Primary, backend.New(backend.KindBackendUnavailable, errors.New("connection refused")))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureAbandonsOnBackendRejected(t *testing.T) {
	l, mock := newTestLedger(t, nil)
	mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.RecordFailure(context.Background(), "t-1", backend.Primary, backend.NewWithStatus(backend.KindBackendRejected, 400, errors.New("bad request")))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffDoublesPerRetry(t *testing.T) {
	assert.Equal(t, 60*time.Second, backoff(0))
	assert.Equal(t, 120*time.Second, backoff(1))
	assert.Equal(t, 240*time.Second, backoff(2))
}

func TestRecoverOnceMarksRecoveredOnSuccessfulReplay(t *testing.T) {
	l, mock := newTestLedger(t, nil)

	cols := []string{"transaction_id", "method", "path", "data", "headers", "status", "is_timing_gap_failure", "retry_count", "max_retries", "next_retry_at", "target_instance", "client_session", "client_ip", "operation_type", "response_status", "response_data", "failure_reason", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT \\* FROM ledger").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t-1", "POST", "/collections", []byte(`{}`), []byte(`{}`), "FAILED", false, 0, 3, nil, nil, nil, nil, nil, nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	replay := func(ctx context.Context, method, path string, data []byte, headers store.Headers) (backend.Name, int, []byte, error) {
		return backend.Primary, http.StatusOK, []byte(`{"ok":true}`), nil
	}

	l.recoverOnce(context.Background(), replay)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOnceAbandonsWhenRetriesExhausted(t *testing.T) {
	l, mock := newTestLedger(t, nil)

	cols := []string{"transaction_id", "method", "path", "data", "headers", "status", "is_timing_gap_failure", "retry_count", "max_retries", "next_retry_at", "target_instance", "client_session", "client_ip", "operation_type", "response_status", "response_data", "failure_reason", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT \\* FROM ledger").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t-1", "POST", "/collections", []byte(`{}`), []byte(`{}`), "FAILED", false, 2, 3, nil, nil, nil, nil, nil, nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE ledger SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	replay := func(ctx context.Context, method, path string, data []byte, headers store.Headers) (backend.Name, int, []byte, error) {
		return backend.Primary, 0, nil, backend.New(backend.KindBackendUnavailable, errors.New("still down"))
	}

	l.recoverOnce(context.Background(), replay)
	require.NoError(t, mock.ExpectationsWereMet())
}
