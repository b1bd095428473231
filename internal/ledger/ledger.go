// Copyright 2025 James Ross

// Package ledger implements the Transaction Safety Ledger (spec §4.4): a
// pre-routing write log that closes the timing gap between an actual
// backend failure and the health prober's cached verdict.
package ledger

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/obs"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"go.uber.org/zap"
)

// HealthChecker is the subset of health.Prober the ledger needs: whether
// a backend is currently believed healthy. Kept as a narrow interface so
// this package doesn't import health directly.
type HealthChecker interface {
	IsHealthy(name backend.Name) bool
}

// Ledger owns the pre-routing write log and its background recovery
// worker.
type Ledger struct {
	store  *store.Store
	health HealthChecker
	log    *zap.Logger

	maxRetries       int
	recoveryInterval time.Duration
	recoveryBatch    int
}

func New(st *store.Store, health HealthChecker, log *zap.Logger, maxRetries, recoveryBatch int, recoveryInterval time.Duration) *Ledger {
	return &Ledger{
		store:            st,
		health:           health,
		log:              log,
		maxRetries:       maxRetries,
		recoveryInterval: recoveryInterval,
		recoveryBatch:    recoveryBatch,
	}
}

// Attempt inserts a row in ATTEMPTING before the caller routes the
// request, per spec §4.4's ordering requirement.
func (l *Ledger) Attempt(ctx context.Context, method, path string, data []byte, headers store.Headers, opType string, clientSession, clientIP *string) (string, error) {
	t := &store.LedgerTransaction{
		Method:        method,
		Path:          path,
		Data:          data,
		Headers:       headers,
		Status:        store.LedgerAttempting,
		MaxRetries:    l.maxRetries,
		OperationType: &opType,
		ClientSession: clientSession,
		ClientIP:      clientIP,
	}
	if err := l.store.InsertLedger(ctx, t); err != nil {
		return "", err
	}
	obs.LedgerAttempting.Inc()
	return t.TransactionID, nil
}

// RecordSuccess transitions a transaction to COMPLETED with the backend's
// response captured for potential replay inspection.
func (l *Ledger) RecordSuccess(ctx context.Context, transactionID string, status int, respBody []byte) error {
	return l.store.UpdateLedgerStatus(ctx, transactionID, store.LedgerCompleted, store.UpdateLedgerOpts{
		ResponseStatus: &status,
		ResponseData:   respBody,
	})
}

// RecordFailure classifies a write failure per spec §4.4: a
// BackendUnavailable observed against a backend the prober still
// considers healthy is a timing-gap failure; a BackendRejected (a 4xx
// from a live backend) is abandoned outright; anything else is a plain
// retryable failure.
func (l *Ledger) RecordFailure(ctx context.Context, transactionID string, target backend.Name, err error) error {
	kind := backend.KindOf(err)

	if kind == backend.KindBackendRejected {
		reason := err.Error()
		return l.store.UpdateLedgerStatus(ctx, transactionID, store.LedgerAbandoned, store.UpdateLedgerOpts{
			FailureReason: &reason,
		})
	}

	isTimingGap := kind == backend.KindBackendUnavailable && l.health.IsHealthy(target)
	reason := err.Error()
	nextRetry := time.Now().Add(backoff(0))
	if err := l.store.UpdateLedgerStatus(ctx, transactionID, store.LedgerFailed, store.UpdateLedgerOpts{
		IsTimingGap:   &isTimingGap,
		FailureReason: &reason,
		NextRetryAt:   &nextRetry,
	}); err != nil {
		return err
	}
	if isTimingGap {
		obs.LedgerTimingGap.Inc()
	}
	return nil
}

// backoff implements spec §4.4's schedule: 60 * 2^retry_count seconds.
func backoff(retryCount int) time.Duration {
	return time.Duration(60*(1<<uint(retryCount))) * time.Second
}

// Replayer performs the actual HTTP round trip for a recovered
// transaction. proxyhttp.Server.Replay implements it by re-running the
// synchronous write path's route/rewrite/append/forward sequence, so the
// ledger doesn't need to know about backend selection or path rewriting.
type Replayer func(ctx context.Context, method, path string, data []byte, headers store.Headers) (target backend.Name, status int, respBody []byte, err error)

// RunRecoveryOnce performs a single recovery pass: pulling up to
// recoveryBatch FAILED rows whose backoff has elapsed and replaying them
// (spec §4.4's recovery worker). It is the unit of work both the cron
// scheduler in cmd/vectorproxy (on recoveryInterval's "@every" cadence)
// and the admin-triggered POST /transaction/safety/recovery/trigger
// endpoint (spec §4.8) invoke.
func (l *Ledger) RunRecoveryOnce(ctx context.Context, replay Replayer) {
	l.recoverOnce(ctx, replay)
}

func (l *Ledger) recoverOnce(ctx context.Context, replay Replayer) {
	rows, err := l.store.FetchRecoverableLedger(ctx, l.recoveryBatch)
	if err != nil {
		l.log.Warn("ledger recovery fetch failed", zap.Error(err))
		return
	}

	for _, row := range rows {
		_, status, respBody, rerr := replay(ctx, row.Method, row.Path, row.Data, row.Headers)
		if rerr == nil && status < http.StatusInternalServerError {
			statusCopy := status
			if uerr := l.store.UpdateLedgerStatus(ctx, row.TransactionID, store.LedgerRecovered, store.UpdateLedgerOpts{
				ResponseStatus: &statusCopy,
				ResponseData:   respBody,
			}); uerr != nil {
				l.log.Warn("ledger recovery mark-recovered failed", zap.String("transaction_id", row.TransactionID), zap.Error(uerr))
			}
			obs.LedgerRecovered.Inc()
			continue
		}

		nextRetryCount := row.RetryCount + 1
		if nextRetryCount >= row.MaxRetries {
			reason := failureReason(rerr, status)
			if uerr := l.store.UpdateLedgerStatus(ctx, row.TransactionID, store.LedgerAbandoned, store.UpdateLedgerOpts{
				FailureReason:  &reason,
				IncrementRetry: true,
			}); uerr != nil {
				l.log.Warn("ledger recovery mark-abandoned failed", zap.String("transaction_id", row.TransactionID), zap.Error(uerr))
			}
			obs.LedgerAbandoned.Inc()
			continue
		}

		reason := failureReason(rerr, status)
		nextRetryAt := time.Now().Add(backoff(nextRetryCount))
		if uerr := l.store.UpdateLedgerStatus(ctx, row.TransactionID, store.LedgerFailed, store.UpdateLedgerOpts{
			FailureReason:  &reason,
			IncrementRetry: true,
			NextRetryAt:    &nextRetryAt,
		}); uerr != nil {
			l.log.Warn("ledger recovery re-mark-failed failed", zap.String("transaction_id", row.TransactionID), zap.Error(uerr))
		}
	}
}

func failureReason(err error, status int) string {
	if err != nil {
		return err.Error()
	}
	return errors.New("replay returned server error").Error()
}
