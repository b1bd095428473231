// Copyright 2025 James Ross

// Package proxyhttp implements the Proxy Frontend (spec §4.7): the HTTP
// surface clients speak to, plus the Observability Surface (spec §4.8).
package proxyhttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/health"
	"github.com/flyingrobots/vectorproxy/internal/ledger"
	"github.com/flyingrobots/vectorproxy/internal/mapper"
	"github.com/flyingrobots/vectorproxy/internal/router"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"github.com/flyingrobots/vectorproxy/internal/wal"
	"go.uber.org/zap"
)

const proxyIdentity = "vectorproxy"

// maxBodyBytes bounds the buffered request body, per spec §4.7's
// "buffer the body (bounded)".
const maxBodyBytes = 32 << 20

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// capturedHeaders is the subset spec §3 says WalEntry/LedgerTransaction
// persist: content-type and auth-relevant headers only.
var capturedHeaders = []string{"Content-Type", "Authorization", "X-Api-Key"}

// Server is the proxy's HTTP surface.
type Server struct {
	router   *router.Router
	mapper   *mapper.Mapper
	ledger   *ledger.Ledger
	wal      *wal.Engine
	backends map[backend.Name]*backend.Backend
	health   *health.Prober
	store    *store.Store
	log      *zap.Logger

	requestTimeout  time.Duration
	version         string
	recoveryTrigger RecoveryRunner
}

// SetRecoveryTrigger wires the recovery-on-demand endpoint to a runner
// that performs one synchronous pass of the ledger's recovery worker.
// Called once by main.go after the ledger and its replayer exist.
func (s *Server) SetRecoveryTrigger(fn RecoveryRunner) {
	s.recoveryTrigger = fn
}

func New(rt *router.Router, mp *mapper.Mapper, lg *ledger.Ledger, we *wal.Engine, backends map[backend.Name]*backend.Backend, hp *health.Prober, st *store.Store, log *zap.Logger, requestTimeout time.Duration, version string) *Server {
	return &Server{
		router:         rt,
		mapper:         mp,
		ledger:         lg,
		wal:            we,
		backends:       backends,
		health:         hp,
		store:          st,
		log:            log,
		requestTimeout: requestTimeout,
		version:        version,
	}
}

// Handler builds the full mux with observability routes layered over the
// catch-all proxy handler, wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerObservability(mux)
	mux.HandleFunc("/", s.proxyHandler)

	return chain(mux, RequestID, Recovery(s.log), RequestLogging(s.log))
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if isWriteMethod(r.Method) {
		s.handleWrite(ctx, w, r, body)
		return
	}
	s.handleRead(ctx, w, r)
}

func capture(h http.Header) store.Headers {
	out := store.Headers{}
	for _, k := range capturedHeaders {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func clientIP(r *http.Request) string {
	if i := strings.LastIndex(r.RemoteAddr, ":"); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

func (s *Server) handleWrite(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) {
	if name, ok := isCollectionDeleteByName(r.Method, r.URL.Path); ok {
		s.handleCollectionDelete(ctx, w, r, body, name)
		return
	}

	headers := capture(r.Header)
	ip := clientIP(r)
	session := r.Header.Get("X-Client-Session")
	var sessionPtr *string
	if session != "" {
		sessionPtr = &session
	}

	txID, err := s.ledger.Attempt(ctx, r.Method, r.URL.Path, body, headers, r.Method, sessionPtr, &ip)
	if err != nil {
		writeFailure(w, "", err)
		return
	}

	chosen, err := s.router.RouteWrite()
	if err != nil {
		writeFailure(w, txID, err)
		return
	}

	rewrittenPath, collectionKey, rerr := resolveIdent(ctx, s.mapper, r.URL.Path, chosen)
	if rerr != nil && backendKindOf(rerr) != "MappingMissing" {
		writeFailure(w, txID, rerr)
		return
	}
	if rewrittenPath == "" {
		rewrittenPath = r.URL.Path
	}

	logicalID := extractLogicalID(body)
	writeID, err := s.wal.Append(ctx, r.Method, rewrittenPath, body, headers, collectionKey, chosen, logicalID)
	if err != nil {
		writeFailure(w, txID, err)
		return
	}

	b := s.backends[chosen]
	resp, ferr := b.Do(ctx, r.Method, rewrittenPath, body, stripRequestHopByHop(r.Header))
	if uerr := s.wal.MarkForwarded(ctx, writeID, statusOf(resp), ferr); uerr != nil {
		s.log.Warn("wal mark-forwarded failed", zap.String("write_id", writeID), zap.Error(uerr))
	}

	if ferr != nil {
		if lerr := s.ledger.RecordFailure(ctx, txID, chosen, ferr); lerr != nil {
			s.log.Warn("ledger record-failure failed", zap.String("transaction_id", txID), zap.Error(lerr))
		}
		writeFailure(w, txID, ferr)
		return
	}

	if lerr := s.ledger.RecordSuccess(ctx, txID, resp.StatusCode, resp.Body); lerr != nil {
		s.log.Warn("ledger record-success failed", zap.String("transaction_id", txID), zap.Error(lerr))
	}
	if collectionKey != "" {
		s.router.PinAfterWrite(collectionKey, chosen)
	}
	if isCollectionCreate(r.Method, r.URL.Path) && resp.StatusCode < 300 {
		if merr := s.mapper.AutoMap(ctx, chosen, resp.Body); merr != nil {
			s.log.Warn("auto-map failed", zap.Error(merr))
		}
	}

	s.writeResponse(w, resp)
}

// handleCollectionDelete implements spec §4.3's delete semantics: resolve
// name to both UUIDs, issue DELETE to each backend using its own UUID
// (bypassing the generic rewrite indirection), delete the mapping row,
// and log a both-target WAL entry so a currently-unhealthy backend
// catches up on recovery.
func (s *Server) handleCollectionDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, name string) {
	headers := capture(r.Header)
	ip := clientIP(r)
	session := r.Header.Get("X-Client-Session")
	var sessionPtr *string
	if session != "" {
		sessionPtr = &session
	}

	txID, err := s.ledger.Attempt(ctx, r.Method, r.URL.Path, body, headers, "collection_delete", sessionPtr, &ip)
	if err != nil {
		writeFailure(w, "", err)
		return
	}

	primaryUUID, replicaUUID, rerr := s.mapper.Resolve(ctx, name)
	if rerr != nil {
		if lerr := s.ledger.RecordFailure(ctx, txID, backend.Primary, rerr); lerr != nil {
			s.log.Warn("ledger record-failure failed", zap.String("transaction_id", txID), zap.Error(lerr))
		}
		writeFailure(w, txID, rerr)
		return
	}

	writeID, werr := s.wal.AppendDelete(ctx, r.URL.Path, name, primaryUUID, replicaUUID)
	if werr != nil {
		writeFailure(w, txID, werr)
		return
	}

	var resp *backend.Response
	var firstErr error
	primaryOK, replicaOK := true, true

	if primaryUUID != "" {
		path := rewriteSegment(r.URL.Path, name, primaryUUID)
		r2, perr := s.backends[backend.Primary].Do(ctx, http.MethodDelete, path, nil, stripRequestHopByHop(r.Header))
		if perr != nil {
			primaryOK = false
			firstErr = perr
		} else {
			resp = r2
		}
	}
	if replicaUUID != "" {
		path := rewriteSegment(r.URL.Path, name, replicaUUID)
		r2, rerr2 := s.backends[backend.Replica].Do(ctx, http.MethodDelete, path, nil, stripRequestHopByHop(r.Header))
		if rerr2 != nil {
			replicaOK = false
			if firstErr == nil {
				firstErr = rerr2
			}
		} else if resp == nil {
			resp = r2
		}
	}

	if uerr := s.wal.MarkDeleteOutcome(ctx, writeID, primaryOK, replicaOK); uerr != nil {
		s.log.Warn("wal mark-delete-outcome failed", zap.String("write_id", writeID), zap.Error(uerr))
	}

	if !primaryOK && !replicaOK {
		if lerr := s.ledger.RecordFailure(ctx, txID, backend.Primary, firstErr); lerr != nil {
			s.log.Warn("ledger record-failure failed", zap.String("transaction_id", txID), zap.Error(lerr))
		}
		writeFailure(w, txID, firstErr)
		return
	}

	if merr := s.mapper.Delete(ctx, name, primaryUUID, replicaUUID); merr != nil {
		s.log.Warn("mapping delete failed", zap.String("name", name), zap.Error(merr))
	}

	status := http.StatusOK
	if resp != nil {
		status = resp.StatusCode
	}
	var respBody []byte
	if resp != nil {
		respBody = resp.Body
	}
	if lerr := s.ledger.RecordSuccess(ctx, txID, status, respBody); lerr != nil {
		s.log.Warn("ledger record-success failed", zap.String("transaction_id", txID), zap.Error(lerr))
	}

	if resp != nil {
		s.writeResponse(w, resp)
		return
	}
	w.Header().Set("X-Proxied-By", proxyIdentity)
	w.WriteHeader(http.StatusOK)
}

// Replay executes a previously-failed ledger transaction against a
// freshly chosen backend: route, rewrite, append a WAL row, and forward,
// the same sequence the synchronous write path runs. It is the
// ledger.Replayer the recovery worker calls (spec §4.4: "rechecks
// current backend health, and replays the request").
func (s *Server) Replay(ctx context.Context, method, path string, data []byte, headers store.Headers) (backend.Name, int, []byte, error) {
	chosen, err := s.router.RouteWrite()
	if err != nil {
		return "", 0, nil, err
	}

	rewrittenPath, collectionKey, rerr := resolveIdent(ctx, s.mapper, path, chosen)
	if rerr != nil && backendKindOf(rerr) != "MappingMissing" {
		return chosen, 0, nil, rerr
	}
	if rewrittenPath == "" {
		rewrittenPath = path
	}

	writeID, werr := s.wal.Append(ctx, method, rewrittenPath, data, headers, collectionKey, chosen, nil)
	if werr != nil {
		return chosen, 0, nil, werr
	}

	var httpHeaders http.Header
	if len(headers) > 0 {
		httpHeaders = http.Header{}
		for k, v := range headers {
			httpHeaders.Set(k, v)
		}
	}

	resp, ferr := s.backends[chosen].Do(ctx, method, rewrittenPath, data, httpHeaders)
	if uerr := s.wal.MarkForwarded(ctx, writeID, statusOf(resp), ferr); uerr != nil {
		s.log.Warn("wal mark-forwarded failed (replay)", zap.String("write_id", writeID), zap.Error(uerr))
	}
	if ferr != nil {
		return chosen, 0, nil, ferr
	}

	if collectionKey != "" {
		s.router.PinAfterWrite(collectionKey, chosen)
	}
	if isCollectionCreate(method, path) && resp.StatusCode < 300 {
		if merr := s.mapper.AutoMap(ctx, chosen, resp.Body); merr != nil {
			s.log.Warn("auto-map failed (replay)", zap.Error(merr))
		}
	}

	return chosen, resp.StatusCode, resp.Body, nil
}

func (s *Server) handleRead(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	collectionKey, _ := segmentAfter(r.URL.Path, "collections")

	chosen, err := s.router.RouteRead(collectionKey)
	if err != nil {
		http.Error(w, "no backend available", statusFor(err))
		return
	}

	rewrittenPath, _, rerr := resolveIdent(ctx, s.mapper, r.URL.Path, chosen)
	if rerr != nil && backendKindOf(rerr) != "MappingMissing" {
		http.Error(w, "collection resolution failed", statusFor(rerr))
		return
	}
	if rewrittenPath == "" {
		rewrittenPath = r.URL.Path
	}

	b := s.backends[chosen]
	resp, ferr := b.Do(ctx, r.Method, rewrittenPath, nil, stripRequestHopByHop(r.Header))
	if ferr != nil {
		http.Error(w, "backend read failed", statusFor(ferr))
		return
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *backend.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	stripHopByHop(w.Header())
	w.Header().Set("X-Proxied-By", proxyIdentity)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, bytes.NewReader(resp.Body))
}

func stripRequestHopByHop(h http.Header) http.Header {
	out := h.Clone()
	stripHopByHop(out)
	return out
}

func statusOf(resp *backend.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func backendKindOf(err error) string {
	return string(backend.KindOf(err))
}

// isCollectionCreate reports whether method/path addresses the
// collection-create endpoint (no trailing ident segment after
// "collections"), per the backend contract in spec §6.
func isCollectionCreate(method, path string) bool {
	if method != http.MethodPost {
		return false
	}
	_, ok := segmentAfter(path, "collections")
	return !ok && strings.HasSuffix(strings.TrimRight(path, "/"), "collections")
}
