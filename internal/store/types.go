// Copyright 2025 James Ross
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TargetInstance is the WalEntry.target_instance / ledger.target_instance
// enum from spec §3.
type TargetInstance string

const (
	TargetPrimary TargetInstance = "primary"
	TargetReplica TargetInstance = "replica"
	TargetBoth    TargetInstance = "both"
)

// WALStatus is the WalEntry.status enum from spec §3. synced and failed
// are the only terminal states.
type WALStatus string

const (
	WALPending  WALStatus = "pending"
	WALExecuted WALStatus = "executed"
	WALSynced   WALStatus = "synced"
	WALFailed   WALStatus = "failed"
)

// LedgerStatus is the LedgerTransaction.status enum from spec §3.
// COMPLETED, RECOVERED and ABANDONED are terminal.
type LedgerStatus string

const (
	LedgerAttempting LedgerStatus = "ATTEMPTING"
	LedgerCompleted  LedgerStatus = "COMPLETED"
	LedgerFailed     LedgerStatus = "FAILED"
	LedgerRecovered  LedgerStatus = "RECOVERED"
	LedgerAbandoned  LedgerStatus = "ABANDONED"
)

// Headers is a small JSONB-backed map used for the header subset spec §3
// says WalEntry/LedgerTransaction capture (content-type and auth-relevant
// headers only).
type Headers map[string]string

func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func (h *Headers) Scan(src interface{}) error {
	if src == nil {
		*h = Headers{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported Scan type %T for Headers", src)
	}
	if len(b) == 0 {
		*h = Headers{}
		return nil
	}
	return json.Unmarshal(b, h)
}

// WalEntry is the durable write operation record from spec §3.
type WalEntry struct {
	WriteID        string         `db:"write_id"`
	Seq            int64          `db:"seq"`
	Method         string         `db:"method"`
	Path           string         `db:"path"`
	Body           []byte         `db:"body"`
	Headers        Headers        `db:"headers"`
	TargetInstance TargetInstance `db:"target_instance"`
	ExecutedOn     *string        `db:"executed_on"`
	Status         WALStatus      `db:"status"`
	CollectionID   string         `db:"collection_id"`
	RetryCount     int            `db:"retry_count"`
	ErrorMessage   *string        `db:"error_message"`
	Timestamp      time.Time      `db:"timestamp"`
	ExecutedAt     *time.Time     `db:"executed_at"`
	SyncedAt       *time.Time     `db:"synced_at"`
	LogicalDocID   *string        `db:"logical_doc_id"`
	ClaimedUntil   *time.Time     `db:"claimed_until"`
}

// CollectionMapping is the logical-name <-> per-backend-UUID record from
// spec §3 / §4.3.
type CollectionMapping struct {
	Name         string    `db:"name"`
	PrimaryUUID  *string   `db:"primary_uuid"`
	ReplicaUUID  *string   `db:"replica_uuid"`
	Configuration []byte   `db:"configuration"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// LedgerTransaction is the pre-routing safety record from spec §3 / §4.4.
type LedgerTransaction struct {
	TransactionID      string       `db:"transaction_id"`
	Method             string       `db:"method"`
	Path               string       `db:"path"`
	Data               []byte       `db:"data"`
	Headers            Headers      `db:"headers"`
	Status             LedgerStatus `db:"status"`
	IsTimingGapFailure bool         `db:"is_timing_gap_failure"`
	RetryCount         int          `db:"retry_count"`
	MaxRetries         int          `db:"max_retries"`
	NextRetryAt        *time.Time   `db:"next_retry_at"`
	TargetInstance     *string      `db:"target_instance"`
	ClientSession      *string      `db:"client_session"`
	ClientIP           *string      `db:"client_ip"`
	OperationType      *string      `db:"operation_type"`
	ResponseStatus     *int         `db:"response_status"`
	ResponseData       []byte       `db:"response_data"`
	FailureReason      *string      `db:"failure_reason"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}
