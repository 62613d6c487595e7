package entity

import (
	"context"
	"fmt"

	"github.com/zeroae/limiter/store"
)

// CheckVersion reads the `#VERSION` record (§3) on startup and confirms
// minClientVersion is compatible with the caller's own version string. A
// missing record or a backend that doesn't implement VersionCapability is
// treated as compatible: version gating is opt-in infrastructure, not a
// hard requirement for every backend (e.g. memstore in tests).
func CheckVersion(ctx context.Context, repo store.Repository, namespace, callerVersion string) error {
	capable, ok := repo.(store.VersionCapability)
	if !ok {
		return nil
	}

	record, found, err := capable.GetVersion(ctx, namespace)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if record.MinClientVersion != "" && record.MinClientVersion > callerVersion {
		return fmt.Errorf("%w: stored min_client_version %q exceeds caller version %q", ErrVersionMismatch, record.MinClientVersion, callerVersion)
	}
	return nil
}

// ErrVersionMismatch is returned by CheckVersion when the caller's version
// is below the store's declared minimum.
var ErrVersionMismatch = fmt.Errorf("entity: version mismatch")
