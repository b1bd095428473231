// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the Durable Store Adapter (spec §4.1): a thin, typed contract
// over a relational database. Every exported method enforces its own
// deadline and classifies failures into backend.Error so callers never
// have to sniff *pq.Error or context.DeadlineExceeded themselves.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to dsn, applies embedded migrations, and returns a ready
// Store. timeout bounds every subsequent operation (spec §4.1: "must
// complete within a 15s deadline or fail with StoreTimeout").
func Open(dsn string, maxConns int, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, backend.New(backend.KindStoreUnavailable, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := Migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, backend.New(backend.KindStoreUnavailable, err)
	}

	return &Store{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an already-open sqlx connection, skipping the dial and
// migration steps Open performs. Used by tests that substitute a mocked
// driver.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.New(backend.KindStoreTimeout, err)
	}
	return backend.New(backend.KindStoreUnavailable, err)
}

// InsertWAL inserts a new pending WAL row. write_id collisions are
// idempotent no-ops (spec §4.1 "ON CONFLICT DO NOTHING").
func (s *Store) InsertWAL(ctx context.Context, e *WalEntry) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if e.WriteID == "" {
		e.WriteID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	const q = `
INSERT INTO wal (write_id, method, path, body, headers, target_instance, executed_on, status, collection_id, retry_count, timestamp, logical_doc_id)
VALUES (:write_id, :method, :path, :body, :headers, :target_instance, :executed_on, :status, :collection_id, :retry_count, :timestamp, :logical_doc_id)
ON CONFLICT (write_id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, e)
	return classify(err)
}

// MarkWAL transitions a WAL row's status and the fields that accompany
// that transition.
func (s *Store) MarkWAL(ctx context.Context, writeID string, status WALStatus, opts MarkWALOpts) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	const q = `
UPDATE wal SET status = $2,
  executed_on = COALESCE($3, executed_on),
  executed_at = COALESCE($4, executed_at),
  synced_at = COALESCE($5, synced_at),
  retry_count = CASE WHEN $6 THEN retry_count + 1 ELSE retry_count END,
  error_message = COALESCE($7, error_message)
WHERE write_id = $1`
	_, err := s.db.ExecContext(ctx, q, writeID, status, opts.ExecutedOn, opts.ExecutedAt, opts.SyncedAt, opts.IncrementRetry, opts.ErrorMessage)
	return classify(err)
}

// MarkWALOpts carries the optional fields a WAL status transition may set.
type MarkWALOpts struct {
	ExecutedOn     *string
	ExecutedAt     *time.Time
	SyncedAt       *time.Time
	IncrementRetry bool
	ErrorMessage   *string
}

// ClaimNextUnsynced selects up to batchSize rows eligible for replay
// against target (spec §4.5 sync worker selection), using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent proxy instances cannot
// double-dispatch the same row (spec §5).
func (s *Store) ClaimNextUnsynced(ctx context.Context, target TargetInstance, maxRetries, batchSize int) ([]WalEntry, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	const q = `
SELECT write_id, seq, method, path, body, headers, target_instance, executed_on, status, collection_id, retry_count, error_message, timestamp, executed_at, synced_at, logical_doc_id, claimed_until
FROM wal
WHERE (target_instance = 'both' OR target_instance = $1)
  AND (executed_on IS DISTINCT FROM $1 OR status = 'pending')
  AND status NOT IN ('synced', 'failed')
  AND retry_count < $2
ORDER BY collection_id, seq ASC
LIMIT $3
FOR UPDATE SKIP LOCKED`
	var rows []WalEntry
	if err := tx.SelectContext(ctx, &rows, q, string(target), maxRetries, batchSize); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// UpsertMapping implements the auto-mapping semantics of spec §4.3: if no
// row exists for name, insert it with the given backend's slot populated;
// if a row exists with a null slot for the other backend, populate it.
func (s *Store) UpsertMapping(ctx context.Context, name string, on backend.Name, uuidValue string, configuration []byte) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var q string
	switch on {
	case backend.Primary:
		q = `
INSERT INTO collection_mappings (name, primary_uuid, configuration)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET
  primary_uuid = COALESCE(collection_mappings.primary_uuid, EXCLUDED.primary_uuid),
  updated_at = now()`
	case backend.Replica:
		q = `
INSERT INTO collection_mappings (name, replica_uuid, configuration)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET
  replica_uuid = COALESCE(collection_mappings.replica_uuid, EXCLUDED.replica_uuid),
  updated_at = now()`
	default:
		return fmt.Errorf("unknown backend %q", on)
	}
	_, err := s.db.ExecContext(ctx, q, name, uuidValue, configuration)
	return classify(err)
}

func (s *Store) GetMappingByName(ctx context.Context, name string) (*CollectionMapping, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var m CollectionMapping
	err := s.db.GetContext(ctx, &m, `SELECT * FROM collection_mappings WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.New(backend.KindMappingMissing, err)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (s *Store) GetMappingByUUID(ctx context.Context, id string) (*CollectionMapping, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var m CollectionMapping
	err := s.db.GetContext(ctx, &m, `SELECT * FROM collection_mappings WHERE primary_uuid = $1 OR replica_uuid = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.New(backend.KindMappingMissing, err)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (s *Store) DeleteMapping(ctx context.Context, name string) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM collection_mappings WHERE name = $1`, name)
	return classify(err)
}

// InsertLedger logs a write attempt before routing (spec §4.4).
func (s *Store) InsertLedger(ctx context.Context, t *LedgerTransaction) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if t.TransactionID == "" {
		t.TransactionID = uuid.NewString()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}

	const q = `
INSERT INTO ledger (transaction_id, method, path, data, headers, status, is_timing_gap_failure, retry_count, max_retries, target_instance, client_session, client_ip, operation_type)
VALUES (:transaction_id, :method, :path, :data, :headers, :status, :is_timing_gap_failure, :retry_count, :max_retries, :target_instance, :client_session, :client_ip, :operation_type)`
	_, err := s.db.NamedExecContext(ctx, q, t)
	return classify(err)
}

// UpdateLedgerStatus transitions a ledger row and stamps the fields that
// go with the transition (response payload on COMPLETED, backoff on
// FAILED, etc).
func (s *Store) UpdateLedgerStatus(ctx context.Context, id string, status LedgerStatus, opts UpdateLedgerOpts) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	const q = `
UPDATE ledger SET status = $2,
  is_timing_gap_failure = COALESCE($3, is_timing_gap_failure),
  response_status = COALESCE($4, response_status),
  response_data = COALESCE($5, response_data),
  failure_reason = COALESCE($6, failure_reason),
  retry_count = CASE WHEN $7 THEN retry_count + 1 ELSE retry_count END,
  next_retry_at = COALESCE($8, next_retry_at),
  updated_at = now()
WHERE transaction_id = $1`
	_, err := s.db.ExecContext(ctx, q, id, status, opts.IsTimingGap, opts.ResponseStatus, opts.ResponseData, opts.FailureReason, opts.IncrementRetry, opts.NextRetryAt)
	return classify(err)
}

// UpdateLedgerOpts carries the optional fields a ledger status transition
// may set.
type UpdateLedgerOpts struct {
	IsTimingGap    *bool
	ResponseStatus *int
	ResponseData   []byte
	FailureReason  *string
	IncrementRetry bool
	NextRetryAt    *time.Time
}

// FetchRecoverableLedger selects rows eligible for the recovery worker
// (spec §4.4): FAILED, retry_count < max_retries, next_retry_at <= now.
func (s *Store) FetchRecoverableLedger(ctx context.Context, limit int) ([]LedgerTransaction, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	const q = `
SELECT * FROM ledger
WHERE status = 'FAILED' AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= now())
ORDER BY created_at ASC
LIMIT $1`
	var rows []LedgerTransaction
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// Cleanup implements the retention contract external cleanup
// collaborators call (spec §4.1/§6): delete terminal rows in table older
// than retentionDays, measured on timeColumn.
func (s *Store) Cleanup(ctx context.Context, table, timeColumn string, retentionDays int) (int64, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var terminal string
	switch table {
	case "wal":
		terminal = `status IN ('synced', 'failed')`
	case "ledger":
		terminal = `status IN ('COMPLETED', 'ABANDONED', 'RECOVERED')`
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	q := fmt.Sprintf(`DELETE FROM %s WHERE %s AND %s < now() - ($1 || ' days')::interval`, table, terminal, timeColumn)
	res, err := s.db.ExecContext(ctx, q, retentionDays)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WALCounts returns counts by status for the observability surface.
func (s *Store) WALCounts(ctx context.Context) (map[WALStatus]int64, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM wal GROUP BY status`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := map[WALStatus]int64{}
	for rows.Next() {
		var status WALStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		out[status] = n
	}
	return out, nil
}

// LedgerCounts returns counts by status for the observability surface.
func (s *Store) LedgerCounts(ctx context.Context) (map[LedgerStatus]int64, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM ledger GROUP BY status`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := map[LedgerStatus]int64{}
	for rows.Next() {
		var status LedgerStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		out[status] = n
	}
	return out, nil
}

// OldestPendingWAL returns the timestamp of the oldest un-synced WAL row,
// used by GET /wal/status.
func (s *Store) OldestPendingWAL(ctx context.Context) (*time.Time, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()
	var ts sql.NullTime
	err := s.db.GetContext(ctx, &ts, `SELECT min(timestamp) FROM wal WHERE status NOT IN ('synced', 'failed')`)
	if err != nil {
		return nil, classify(err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}
