// Package entity wraps the repository's entity/audit/version capabilities
// with the validation and cascade semantics from §4.8: entity_id/parent_id
// and limit_name/resource grammar checks, create-with-audit, and
// paginated cascading delete. Grounded on the teacher's
// utils/validation.go char-table idiom; the CRUD surface itself has no
// direct teacher equivalent and is built straight from the spec.
package entity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeroae/limiter/store"
)

// Manager wraps a store.Repository with validated entity lifecycle
// operations and, when the backend supports it, audit emission.
type Manager struct {
	repo      store.Repository
	namespace string
	entropy   ulid.MonotonicReader
}

// New constructs a Manager bound to one namespace.
func New(repo store.Repository, namespace string) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	return &Manager{
		repo:      repo,
		namespace: namespace,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Create validates identifiers then writes the entity's #META record,
// emitting an audit event on backends that support it (§4.8).
func (m *Manager) Create(ctx context.Context, id, name, parentID string, cascade bool, metadata map[string]any) error {
	if err := ValidateEntityID(id); err != nil {
		return err
	}
	if parentID != "" {
		if err := ValidateEntityID(parentID); err != nil {
			return err
		}
	}

	err := m.repo.CreateEntity(ctx, m.namespace, store.Entity{
		EntityID: id,
		Name:     name,
		ParentID: parentID,
		Cascade:  cascade,
		Metadata: metadata,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("%w: %q", ErrEntityExists, id)
	}
	if err != nil {
		return err
	}

	if auditor, ok := m.repo.(store.AuditCapability); ok {
		now := time.Now()
		_ = auditor.AppendAudit(ctx, m.namespace, id, store.AuditEvent{
			SortKey:   NewAuditSortKey(m.entropy),
			Action:    "create_entity",
			EntityID:  id,
			Timestamp: now.Unix(),
		})
	}
	return nil
}

// Get fetches one entity's #META record.
func (m *Manager) Get(ctx context.Context, id string) (store.Entity, error) {
	if err := ValidateEntityID(id); err != nil {
		return store.Entity{}, err
	}
	e, err := m.repo.GetEntity(ctx, m.namespace, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Entity{}, fmt.Errorf("%w: %q", ErrEntityNotFound, id)
	}
	return e, err
}

// Children queries the parent-index for id's direct children.
func (m *Manager) Children(ctx context.Context, id string) ([]store.Entity, error) {
	if err := ValidateEntityID(id); err != nil {
		return nil, err
	}
	return m.repo.GetChildren(ctx, m.namespace, id)
}

// Delete removes id's #META record and its bucket items (§4.8: "paginates
// ... batch-deletes in 25-item chunks"), delegating the mechanics to
// Repository.DeleteEntity. memstore also removes every other record under
// the entity's ENTITY partition; dynamostore, pgstore and redisstore leave
// the entity's #CONFIG records in place.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ValidateEntityID(id); err != nil {
		return err
	}
	if err := m.repo.DeleteEntity(ctx, m.namespace, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrEntityNotFound, id)
		}
		return err
	}
	if auditor, ok := m.repo.(store.AuditCapability); ok {
		now := time.Now()
		_ = auditor.AppendAudit(ctx, m.namespace, id, store.AuditEvent{
			SortKey:   NewAuditSortKey(m.entropy),
			Action:    "delete_entity",
			EntityID:  id,
			Timestamp: now.Unix(),
		})
	}
	return nil
}

// ErrEntityNotFound is a thin marker returned in place of store.ErrNotFound
// for callers that only care about entity-level semantics, without
// importing store. It does not wrap store.ErrNotFound.
var ErrEntityNotFound = fmt.Errorf("entity: not found")

// ErrEntityExists is a thin marker returned in place of
// store.ErrAlreadyExists by Create when entity_id is already taken (§6/§7
// EntityExists). It does not wrap store.ErrAlreadyExists.
var ErrEntityExists = fmt.Errorf("entity: already exists")
