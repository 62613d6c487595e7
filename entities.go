package ratelimit

import (
	"context"
	"errors"

	"github.com/zeroae/limiter/entity"
	"github.com/zeroae/limiter/store"
)

// EntityManager wraps entity.Manager, translating its sentinel errors into
// this package's caller-visible *Error taxonomy (§6/§7 EntityExists,
// EntityNotFound) at the one boundary real callers cross to create,
// inspect, and delete entities through a Limiter.
type EntityManager struct {
	inner *entity.Manager
}

// Create validates identifiers then writes the entity's #META record,
// returning KindEntityExists if entityID is already taken.
func (e *EntityManager) Create(ctx context.Context, id, name, parentID string, cascade bool, metadata map[string]any) error {
	err := e.inner.Create(ctx, id, name, parentID, cascade, metadata)
	if errors.Is(err, entity.ErrEntityExists) {
		return newEntityExists(id)
	}
	return err
}

// Get fetches one entity's #META record, returning KindEntityNotFound if
// it does not exist.
func (e *EntityManager) Get(ctx context.Context, id string) (store.Entity, error) {
	ent, err := e.inner.Get(ctx, id)
	if errors.Is(err, entity.ErrEntityNotFound) {
		return store.Entity{}, newEntityNotFound(id)
	}
	return ent, err
}

// Children queries the parent-index for id's direct children.
func (e *EntityManager) Children(ctx context.Context, id string) ([]store.Entity, error) {
	return e.inner.Children(ctx, id)
}

// Delete removes id's #META record and every record under its ENTITY and
// BUCKET partitions.
func (e *EntityManager) Delete(ctx context.Context, id string) error {
	err := e.inner.Delete(ctx, id)
	if errors.Is(err, entity.ErrEntityNotFound) {
		return newEntityNotFound(id)
	}
	return err
}
