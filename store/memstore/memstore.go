// Package memstore is an in-memory Repository, the test double every
// engine/resolver/entity test in this module runs against. It generalizes
// the teacher's backends/memory.Backend (sync.Map + per-key mutex pool,
// CheckAndSet semantics) to the full single-table capability set: entities,
// composite buckets, hierarchical configs, transactions, and audit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeroae/limiter/schema"
	"github.com/zeroae/limiter/store"
)

type record struct {
	pk, sk string
	item   schema.Item
}

func tableKey(pk, sk string) string {
	var b strings.Builder
	b.Grow(len(pk) + len(sk) + 1)
	b.WriteString(pk)
	b.WriteByte('\x00')
	b.WriteString(sk)
	return b.String()
}

// Store is a single-table in-memory backend. All operations are guarded by
// one mutex: unlike the real store backends this never needs to scale, so
// a single lock keeps TransactWrite trivially atomic.
type Store struct {
	mu      sync.Mutex
	records map[string]record
	closed  bool
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]record)}
}

func (s *Store) get(pk, sk string) (schema.Item, bool) {
	rec, ok := s.records[tableKey(pk, sk)]
	if !ok {
		return nil, false
	}
	return cloneItem(rec.item), true
}

func (s *Store) put(pk, sk string, item schema.Item) {
	s.records[tableKey(pk, sk)] = record{pk: pk, sk: sk, item: cloneItem(item)}
}

func (s *Store) delete(pk, sk string) {
	delete(s.records, tableKey(pk, sk))
}

func cloneItem(item schema.Item) schema.Item {
	out := make(schema.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// --- Entities -------------------------------------------------------------

func (s *Store) GetEntity(ctx context.Context, namespace, entityID string) (store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return store.Entity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.get(schema.PKEntity(namespace, entityID), schema.SKMeta)
	if !ok {
		return store.Entity{}, store.NewNotFoundError(entityID)
	}
	return entityFromItem(item), nil
}

func (s *Store) CreateEntity(ctx context.Context, namespace string, entity store.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := schema.PKEntity(namespace, entity.EntityID)
	if _, exists := s.get(pk, schema.SKMeta); exists {
		return store.NewAlreadyExistsError(entity.EntityID)
	}
	s.put(pk, schema.SKMeta, entityToItem(entity))
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, namespace, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entityPK := schema.PKEntity(namespace, entityID)
	if _, exists := s.get(entityPK, schema.SKMeta); !exists {
		return store.NewNotFoundError(entityID)
	}

	bucketPrefix := fmt.Sprintf("%s/BUCKET#%s#", namespace, entityID)
	for key, rec := range s.records {
		if rec.pk == entityPK || strings.HasPrefix(rec.pk, bucketPrefix) {
			delete(s.records, key)
		}
	}
	return nil
}

func (s *Store) GetChildren(ctx context.Context, namespace, parentID string) ([]store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Entity
	for _, rec := range s.records {
		if rec.sk != schema.SKMeta {
			continue
		}
		e := entityFromItem(rec.item)
		if e.ParentID == parentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func entityToItem(e store.Entity) schema.Item {
	item := schema.Item{
		"entity_id": e.EntityID,
		"cascade":   e.Cascade,
	}
	if e.Name != "" {
		item["name"] = e.Name
	}
	if e.ParentID != "" {
		item["parent_id"] = e.ParentID
	}
	if e.Metadata != nil {
		item["metadata"] = e.Metadata
	}
	return item
}

func entityFromItem(item schema.Item) store.Entity {
	e := store.Entity{}
	if v, ok := item["entity_id"].(string); ok {
		e.EntityID = v
	}
	if v, ok := item["name"].(string); ok {
		e.Name = v
	}
	if v, ok := item["parent_id"].(string); ok {
		e.ParentID = v
	}
	if v, ok := item["cascade"].(bool); ok {
		e.Cascade = v
	}
	if v, ok := item["metadata"].(map[string]any); ok {
		e.Metadata = v
	}
	return e
}

// --- Config hierarchy -------------------------------------------------------

func (s *Store) ResolveLimits(ctx context.Context, level store.ConfigSource, namespace, entityID, resource string) (store.ResolvedConfig, error) {
	if err := ctx.Err(); err != nil {
		return store.ResolvedConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pk, sk string
	switch level {
	case store.SourceEntitySpecific:
		pk, sk = schema.PKEntity(namespace, entityID), schema.SKEntityConfig(resource)
	case store.SourceEntityDefault:
		pk, sk = schema.PKEntity(namespace, entityID), schema.SKEntityConfig(schema.ConfigDefaultResource)
	case store.SourceResource:
		pk, sk = schema.PKResource(namespace, resource), schema.SKConfig
	case store.SourceSystem:
		pk, sk = schema.PKSystem(namespace), schema.SKConfig
	default:
		return store.ResolvedConfig{Source: store.SourceNone}, nil
	}

	item, ok := s.get(pk, sk)
	if !ok {
		return store.ResolvedConfig{Source: level}, nil
	}
	return configFromItem(item, level), nil
}

// PutConfig is a test/admin helper: the spec's config mutation path is an
// external collaborator, but memstore needs a way to seed records for tests.
func (s *Store) PutConfig(namespace string, level store.ConfigSource, entityID, resource string, cfg store.ResolvedConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pk, sk string
	switch level {
	case store.SourceEntitySpecific:
		pk, sk = schema.PKEntity(namespace, entityID), schema.SKEntityConfig(resource)
	case store.SourceEntityDefault:
		pk, sk = schema.PKEntity(namespace, entityID), schema.SKEntityConfig(schema.ConfigDefaultResource)
	case store.SourceResource:
		pk, sk = schema.PKResource(namespace, resource), schema.SKConfig
	case store.SourceSystem:
		pk, sk = schema.PKSystem(namespace), schema.SKConfig
	default:
		return
	}
	s.put(pk, sk, configToItem(cfg))
}

func configToItem(cfg store.ResolvedConfig) schema.Item {
	item := schema.Item{}
	for name, limit := range cfg.Limits {
		item[fmt.Sprintf("l_%s_cp", name)] = limit.CapacityTokens
		item[fmt.Sprintf("l_%s_bx", name)] = limit.BurstTokens
		item[fmt.Sprintf("l_%s_ra", name)] = limit.RefillAmountTokens
		item[fmt.Sprintf("l_%s_rp", name)] = limit.RefillPeriodSeconds
	}
	if cfg.OnUnavailable != "" {
		item["on_unavailable"] = cfg.OnUnavailable
	}
	if cfg.TTL != 0 {
		item["ttl"] = cfg.TTL
	}
	return item
}

func configFromItem(item schema.Item, level store.ConfigSource) store.ResolvedConfig {
	limits := make(map[string]schema.LimitState)
	for key, v := range item {
		if !strings.HasPrefix(key, "l_") {
			continue
		}
		rest := key[2:]
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			continue
		}
		name, suffix := rest[:idx], rest[idx+1:]
		limit := limits[name]
		n, _ := toInt64(v)
		switch suffix {
		case "cp":
			limit.CapacityTokens = n
		case "bx":
			limit.BurstTokens = n
		case "ra":
			limit.RefillAmountTokens = n
		case "rp":
			limit.RefillPeriodSeconds = n
		default:
			continue
		}
		limits[name] = limit
	}

	cfg := store.ResolvedConfig{Source: level}
	if len(limits) > 0 {
		cfg.Limits = limits
	}
	if v, ok := item["on_unavailable"].(string); ok {
		cfg.OnUnavailable = v
	}
	if v, ok := item["ttl"]; ok {
		cfg.TTL, _ = toInt64(v)
	}
	return cfg
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
