// Copyright 2025 James Ross

// Package mapper implements the Collection Identity Mapper (spec §4.3):
// a bidirectional logical-name <-> per-backend-UUID registry that lets
// the proxy target either backend without the client ever seeing UUID
// divergence.
package mapper

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"go.uber.org/zap"
)

// entry is the in-memory cache record, mirroring store.CollectionMapping
// without the SQL-scan tags.
type entry struct {
	name        string
	primaryUUID string
	replicaUUID string
	config      []byte
}

// Mapper owns the collection_mappings table and a reader-preferring
// in-memory cache keyed by name, per spec §5: "reader-preferring shared
// lock; writers take exclusive".
type Mapper struct {
	store *store.Store
	log   *zap.Logger

	mu        sync.RWMutex
	byName    map[string]*entry
	byUUID    map[string]*entry // both primary and replica UUIDs index here
}

func New(st *store.Store, log *zap.Logger) *Mapper {
	return &Mapper{
		store:  st,
		log:    log,
		byName: make(map[string]*entry),
		byUUID: make(map[string]*entry),
	}
}

func fromRow(m *store.CollectionMapping) *entry {
	e := &entry{name: m.Name, config: m.Configuration}
	if m.PrimaryUUID != nil {
		e.primaryUUID = *m.PrimaryUUID
	}
	if m.ReplicaUUID != nil {
		e.replicaUUID = *m.ReplicaUUID
	}
	return e
}

func (m *Mapper) cachePut(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[e.name] = e
	if e.primaryUUID != "" {
		m.byUUID[e.primaryUUID] = e
	}
	if e.replicaUUID != "" {
		m.byUUID[e.replicaUUID] = e
	}
}

func (m *Mapper) cacheGetByName(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byName[name]
	return e, ok
}

func (m *Mapper) cacheGetByUUID(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byUUID[id]
	return e, ok
}

// ResolveByName returns the UUID for name on the given backend. On a
// cache miss it falls through to the store, which is the source of truth.
func (m *Mapper) ResolveByName(ctx context.Context, name string, on backend.Name) (string, error) {
	if e, ok := m.cacheGetByName(name); ok {
		return uuidFor(e, on), nil
	}
	row, err := m.store.GetMappingByName(ctx, name)
	if err != nil {
		return "", err
	}
	e := fromRow(row)
	m.cachePut(e)
	uuid := uuidFor(e, on)
	if uuid == "" {
		return "", backend.New(backend.KindMappingMissing, nil)
	}
	return uuid, nil
}

// ResolvePeerUUID treats ident as a known backend's UUID and returns the
// corresponding UUID on the other backend (spec §4.3 rewrite contract,
// second bullet).
func (m *Mapper) ResolvePeerUUID(ctx context.Context, ident string, peer backend.Name) (string, error) {
	if e, ok := m.cacheGetByUUID(ident); ok {
		return uuidFor(e, peer), nil
	}
	row, err := m.store.GetMappingByUUID(ctx, ident)
	if err != nil {
		return "", err
	}
	e := fromRow(row)
	m.cachePut(e)
	return uuidFor(e, peer), nil
}

func uuidFor(e *entry, on backend.Name) string {
	if on == backend.Primary {
		return e.primaryUUID
	}
	return e.replicaUUID
}

// createResponse is the shape of a 2xx POST .../collections response
// body, per spec §6 backend contract.
type createResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration_json"`
}

// AutoMap implements spec §4.3's auto-mapping on create: extract name/id
// from a 2xx collection-create response and insert or fill in the
// mapping row. Failures here are non-fatal per §7; callers should log a
// warning and still return the original response to the client.
func (m *Mapper) AutoMap(ctx context.Context, on backend.Name, respBody []byte) error {
	var cr createResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return err
	}
	if cr.Name == "" || cr.ID == "" {
		return nil
	}
	if err := m.store.UpsertMapping(ctx, cr.Name, on, cr.ID, cr.Configuration); err != nil {
		return err
	}

	e := &entry{name: cr.Name, config: cr.Configuration}
	if existing, ok := m.cacheGetByName(cr.Name); ok {
		e.primaryUUID, e.replicaUUID = existing.primaryUUID, existing.replicaUUID
	}
	if on == backend.Primary {
		e.primaryUUID = cr.ID
	} else {
		e.replicaUUID = cr.ID
	}
	m.cachePut(e)
	return nil
}

// Resolve returns both backends' UUIDs for name, the first step of spec
// §4.3's delete semantics ("resolve name to both UUIDs"). Either UUID may
// be empty if that backend never materialized the collection.
func (m *Mapper) Resolve(ctx context.Context, name string) (primaryUUID, replicaUUID string, err error) {
	row, err := m.store.GetMappingByName(ctx, name)
	if err != nil {
		return "", "", err
	}
	if row.PrimaryUUID != nil {
		primaryUUID = *row.PrimaryUUID
	}
	if row.ReplicaUUID != nil {
		replicaUUID = *row.ReplicaUUID
	}
	return primaryUUID, replicaUUID, nil
}

// Delete removes name's cache entry and store row, the final step of
// spec §4.3's delete semantics ("delete the mapping row"), performed
// once the caller has issued the DELETE to each backend.
func (m *Mapper) Delete(ctx context.Context, name, primaryUUID, replicaUUID string) error {
	if err := m.store.DeleteMapping(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.byName, name)
	delete(m.byUUID, primaryUUID)
	delete(m.byUUID, replicaUUID)
	m.mu.Unlock()

	return nil
}

// LooksLikeUUID is a cheap heuristic used by the path rewriter to decide
// whether a path segment is already a backend UUID rather than a logical
// name, avoiding an extra store round trip for the common case.
func LooksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
