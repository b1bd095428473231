// Copyright 2025 James Ross

// Package wal implements the Unified WAL Engine (spec §4.5): the
// synchronous append protocol on the write path and the background sync
// worker that drives both backends to eventual agreement.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/obs"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HealthChecker reports current backend health so the sync worker only
// runs a pass against backends it believes are reachable.
type HealthChecker interface {
	IsHealthy(name backend.Name) bool
	Healthy() []backend.Name
}

// Engine owns the wal table's append protocol and its background sync
// worker.
type Engine struct {
	store    *store.Store
	backends map[backend.Name]*backend.Backend
	health   HealthChecker
	log      *zap.Logger

	syncInterval       time.Duration
	maxRetries         int
	deletionConversion bool
	maxConcurrentSync  int
	sizer              *batchSizer
}

func New(st *store.Store, backends map[backend.Name]*backend.Backend, health HealthChecker, log *zap.Logger, syncInterval time.Duration, maxRetries int, deletionConversion bool, batchFloor, batchCeiling int, memThreshold, cpuThreshold float64, maxConcurrentSync int) *Engine {
	if maxConcurrentSync < 1 {
		maxConcurrentSync = 1
	}
	return &Engine{
		store:              st,
		backends:           backends,
		health:             health,
		log:                log,
		syncInterval:       syncInterval,
		maxRetries:         maxRetries,
		deletionConversion: deletionConversion,
		maxConcurrentSync:  maxConcurrentSync,
		sizer:              newBatchSizer(batchFloor, batchCeiling, memThreshold, cpuThreshold),
	}
}

// Append implements the synchronous append protocol's first step: insert
// a pending row before the write is forwarded.
func (e *Engine) Append(ctx context.Context, method, path string, body []byte, headers store.Headers, collectionID string, chosenBackend backend.Name, logicalDocID *string) (string, error) {
	on := string(chosenBackend)
	entry := &store.WalEntry{
		Method:         method,
		Path:           path,
		Body:           body,
		Headers:        headers,
		TargetInstance: store.TargetBoth,
		ExecutedOn:     &on,
		Status:         store.WALPending,
		CollectionID:   collectionID,
		LogicalDocID:   logicalDocID,
	}
	if err := e.store.InsertWAL(ctx, entry); err != nil {
		return "", err
	}
	obs.WALAppended.Inc()
	return entry.WriteID, nil
}

// collectionDeleteUUIDs is the per-backend UUID pair stashed in a
// collection-level delete's WAL body so the sync worker can replay it
// against the backend that missed the synchronous attempt without
// consulting the mapper, whose row for this collection is gone by the
// time replay runs (spec §4.3's delete semantics).
type collectionDeleteUUIDs struct {
	Primary string `json:"primary_uuid,omitempty"`
	Replica string `json:"replica_uuid,omitempty"`
}

// AppendDelete inserts a pending WAL row for a dual-backend collection
// delete (spec §4.3). Unlike Append, executed_on stays nil until the
// synchronous dual attempt resolves, since neither backend is preferred
// here the way a single chosen backend is for other writes.
func (e *Engine) AppendDelete(ctx context.Context, path, collectionID, primaryUUID, replicaUUID string) (string, error) {
	body, err := json.Marshal(collectionDeleteUUIDs{Primary: primaryUUID, Replica: replicaUUID})
	if err != nil {
		return "", err
	}
	entry := &store.WalEntry{
		Method:         http.MethodDelete,
		Path:           path,
		Body:           body,
		TargetInstance: store.TargetBoth,
		Status:         store.WALPending,
		CollectionID:   collectionID,
	}
	if err := e.store.InsertWAL(ctx, entry); err != nil {
		return "", err
	}
	obs.WALAppended.Inc()
	return entry.WriteID, nil
}

// MarkDeleteOutcome records the synchronous dual-backend delete's
// outcome: synced once both backends have confirmed, executed (stamped
// with whichever backend succeeded) if only one did, so the sync worker
// drains the other on its next pass, and still pending with an
// incremented retry count if neither did.
func (e *Engine) MarkDeleteOutcome(ctx context.Context, writeID string, primaryOK, replicaOK bool) error {
	now := time.Now()
	switch {
	case primaryOK && replicaOK:
		return e.store.MarkWAL(ctx, writeID, store.WALSynced, store.MarkWALOpts{SyncedAt: &now})
	case primaryOK:
		on := string(backend.Primary)
		return e.store.MarkWAL(ctx, writeID, store.WALExecuted, store.MarkWALOpts{ExecutedOn: &on, ExecutedAt: &now})
	case replicaOK:
		on := string(backend.Replica)
		return e.store.MarkWAL(ctx, writeID, store.WALExecuted, store.MarkWALOpts{ExecutedOn: &on, ExecutedAt: &now})
	default:
		msg := "dual-backend collection delete failed on both backends"
		return e.store.MarkWAL(ctx, writeID, store.WALPending, store.MarkWALOpts{IncrementRetry: true, ErrorMessage: &msg})
	}
}

// MarkForwarded records the outcome of the synchronous forward: an
// error-free response below 500 (2xx, or the 404 that backend.Do passes
// through) stamps executed; a forward error leaves the row pending for
// replay with its retry count incremented.
func (e *Engine) MarkForwarded(ctx context.Context, writeID string, status int, forwardErr error) error {
	if forwardErr == nil && status < http.StatusInternalServerError {
		now := time.Now()
		return e.store.MarkWAL(ctx, writeID, store.WALExecuted, store.MarkWALOpts{ExecutedAt: &now})
	}
	msg := "synchronous forward failed"
	if forwardErr != nil {
		msg = forwardErr.Error()
	}
	return e.store.MarkWAL(ctx, writeID, store.WALPending, store.MarkWALOpts{IncrementRetry: true, ErrorMessage: &msg})
}

// RunPassOnce runs a single sync pass across every healthy backend. It is
// the unit of work the cron scheduler in cmd/vectorproxy invokes on its
// own "@every" cadence (spec §4.5's background sync worker).
func (e *Engine) RunPassOnce(ctx context.Context) {
	e.runPass(ctx)
}

func (e *Engine) runPass(ctx context.Context) {
	timer := prometheusTimer()
	defer timer()

	batchSize := e.sizer.next()
	for _, name := range e.health.Healthy() {
		e.syncPass(ctx, name, batchSize)
	}

	e.refreshPendingGauge(ctx)
}

func prometheusTimer() func() {
	start := time.Now()
	return func() { obs.WALSyncDuration.Observe(time.Since(start).Seconds()) }
}

func (e *Engine) refreshPendingGauge(ctx context.Context) {
	counts, err := e.store.WALCounts(ctx)
	if err != nil {
		return
	}
	var pending int64
	for status, n := range counts {
		if status != store.WALSynced && status != store.WALFailed {
			pending += n
		}
	}
	obs.WALPending.Set(float64(pending))
}

// syncPass runs one pass of the sync worker's algorithm against target,
// per spec §4.5.
func (e *Engine) syncPass(ctx context.Context, target backend.Name, batchSize int) {
	b, ok := e.backends[target]
	if !ok {
		return
	}

	rows, err := e.store.ClaimNextUnsynced(ctx, store.TargetInstance(target), e.maxRetries, batchSize)
	if err != nil {
		e.log.Warn("wal claim failed", zap.String("backend", string(target)), zap.Error(err))
		return
	}

	// Rows arrive ordered by (collection_id, seq); grouping preserves that
	// per-collection FIFO order (spec §4.5's ordering guarantee) while
	// letting distinct collections replay concurrently, capped at
	// maxConcurrentSync in-flight requests per backend (spec §5).
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrentSync)
	var stop atomic.Bool
	for _, group := range groupByCollection(rows) {
		group := group
		g.Go(func() error {
			for _, row := range group {
				if stop.Load() {
					return nil
				}
				if !e.replayRow(gctx, b, target, row) {
					// Spec: "stop processing this backend this pass" on failure.
					stop.Store(true)
					break
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// groupByCollection partitions rows into per-collection-id runs,
// preserving each group's relative order and the order in which distinct
// collections first appear.
func groupByCollection(rows []store.WalEntry) [][]store.WalEntry {
	var order []string
	groups := make(map[string][]store.WalEntry)
	for _, row := range rows {
		if _, ok := groups[row.CollectionID]; !ok {
			order = append(order, row.CollectionID)
		}
		groups[row.CollectionID] = append(groups[row.CollectionID], row)
	}
	out := make([][]store.WalEntry, 0, len(order))
	for _, id := range order {
		out = append(out, groups[id])
	}
	return out
}

// replayRow replays a single WAL row against b, updating its status.
// Returns false if the pass should stop for this backend (the replay
// failed, or its status update could not be written).
func (e *Engine) replayRow(ctx context.Context, b *backend.Backend, target backend.Name, row store.WalEntry) bool {
	method, path, body, err := e.prepareReplay(row, target)
	if err != nil {
		msg := err.Error()
		if uerr := e.store.MarkWAL(ctx, row.WriteID, store.WALFailed, store.MarkWALOpts{ErrorMessage: &msg}); uerr != nil {
			e.log.Warn("wal mark-failed (conversion) failed", zap.String("write_id", row.WriteID), zap.Error(uerr))
		}
		obs.WALFailed.Inc()
		return true // not retriable; move on to the next row.
	}
	if path == "" {
		// Collection-level delete replay where target never had the
		// collection materialized: nothing to delete, treat as the
		// "already absent" success case.
		return e.onReplaySuccess(ctx, row, target, http.StatusNotFound)
	}

	var headers http.Header
	if len(row.Headers) > 0 {
		headers = http.Header{}
		for k, v := range row.Headers {
			headers.Set(k, v)
		}
	}

	resp, rerr := b.Do(ctx, method, path, body, headers)
	if rerr == nil {
		return e.onReplaySuccess(ctx, row, target, resp.StatusCode)
	}
	return e.onReplayFailure(ctx, row, rerr)
}

func (e *Engine) onReplaySuccess(ctx context.Context, row store.WalEntry, target backend.Name, status int) bool {
	now := time.Now()
	wasExecutedElsewhere := row.ExecutedOn != nil && *row.ExecutedOn != string(target) && row.Status != store.WALPending

	if wasExecutedElsewhere {
		if err := e.store.MarkWAL(ctx, row.WriteID, store.WALSynced, store.MarkWALOpts{SyncedAt: &now}); err != nil {
			e.log.Warn("wal mark-synced failed", zap.String("write_id", row.WriteID), zap.Error(err))
			return false
		}
		obs.WALSynced.Inc()
		return true
	}

	on := string(target)
	if err := e.store.MarkWAL(ctx, row.WriteID, store.WALExecuted, store.MarkWALOpts{ExecutedOn: &on, ExecutedAt: &now}); err != nil {
		e.log.Warn("wal mark-executed failed", zap.String("write_id", row.WriteID), zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) onReplayFailure(ctx context.Context, row store.WalEntry, rerr error) bool {
	msg := rerr.Error()
	nextRetry := row.RetryCount + 1
	if nextRetry >= e.maxRetries {
		if err := e.store.MarkWAL(ctx, row.WriteID, store.WALFailed, store.MarkWALOpts{IncrementRetry: true, ErrorMessage: &msg}); err != nil {
			e.log.Warn("wal mark-failed failed", zap.String("write_id", row.WriteID), zap.Error(err))
		}
		obs.WALFailed.Inc()
		return false
	}
	if err := e.store.MarkWAL(ctx, row.WriteID, row.Status, store.MarkWALOpts{IncrementRetry: true, ErrorMessage: &msg}); err != nil {
		e.log.Warn("wal mark-retry failed", zap.String("write_id", row.WriteID), zap.Error(err))
	}
	return false
}

// deleteByIDs is the shape of a document-delete request expressed as an
// ID list, the form that needs conversion for backends assigning fresh
// per-backend document IDs (spec §9).
type deleteByIDs struct {
	IDs []string `json:"ids"`
}

// metadataDelete is the converted form: a predicate delete on the
// logical document ID recorded on the WAL row (logical_doc_id) at write
// time.
type metadataDelete struct {
	Where struct {
		DocumentID struct {
			Eq string `json:"$eq"`
		} `json:"document_id"`
	} `json:"where"`
}

// isCollectionLevelDelete reports whether row is a dual-backend
// collection delete (spec §4.3) rather than a document-level delete: its
// path's "collections" segment is still the logical name (row never had
// its path UUID-rewritten, per the delete semantics bypassing that
// indirection) and nothing follows it.
func isCollectionLevelDelete(row store.WalEntry) bool {
	if row.Method != http.MethodDelete || row.CollectionID == "" {
		return false
	}
	parts := strings.Split(strings.Trim(row.Path, "/"), "/")
	for i, p := range parts {
		if p == "collections" {
			return i+1 < len(parts) && parts[i+1] == row.CollectionID && i+2 == len(parts)
		}
	}
	return false
}

// replaceSegment substitutes the path segment equal to old with new,
// leaving everything else untouched.
func replaceSegment(path, old, new string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == old {
			parts[i] = new
		}
	}
	return strings.Join(parts, "/")
}

// prepareCollectionDeleteReplay resolves row's per-backend UUID pair
// (stashed at append time, spec §4.3) and substitutes target's own UUID
// into the path. An empty return path (with a nil error) signals that
// target never had the collection; a no-op for this backend.
func prepareCollectionDeleteReplay(row store.WalEntry, target backend.Name) (string, string, []byte, error) {
	var uuids collectionDeleteUUIDs
	if err := json.Unmarshal(row.Body, &uuids); err != nil {
		return "", "", nil, fmt.Errorf("collection delete replay requires recorded UUIDs for write %s: %w", row.WriteID, err)
	}
	uuid := uuids.Primary
	if target == backend.Replica {
		uuid = uuids.Replica
	}
	if uuid == "" {
		return row.Method, "", nil, nil
	}
	return row.Method, replaceSegment(row.Path, row.CollectionID, uuid), nil, nil
}

// prepareReplay returns the method/path/body to send to target,
// performing deletion-form conversion when needed.
func (e *Engine) prepareReplay(row store.WalEntry, target backend.Name) (string, string, []byte, error) {
	if isCollectionLevelDelete(row) {
		return prepareCollectionDeleteReplay(row, target)
	}
	if !e.deletionConversion || row.Method != http.MethodDelete {
		return row.Method, row.Path, row.Body, nil
	}

	var del deleteByIDs
	if err := json.Unmarshal(row.Body, &del); err != nil || len(del.IDs) == 0 {
		return row.Method, row.Path, row.Body, nil
	}

	if row.LogicalDocID == nil {
		return "", "", nil, fmt.Errorf("deletion-form conversion requires a logical document id for write %s, none on file", row.WriteID)
	}

	var converted metadataDelete
	converted.Where.DocumentID.Eq = *row.LogicalDocID
	out, err := json.Marshal(converted)
	if err != nil {
		return "", "", nil, err
	}
	return row.Method, row.Path, out, nil
}
