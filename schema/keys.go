// Package schema builds and parses the single-table key grammar and the
// flat per-limit attribute encoding shared by every store backend.
package schema

import (
	"strings"
)

// DefaultNamespace is the unprefixed-equivalent tenant namespace.
const DefaultNamespace = "default"

// DefaultShard is the only bucket shard currently written by this
// implementation. The grammar supports others (ADR-114) for a future
// write-sharding layer over hot parents.
const DefaultShard = "0"

// Sort keys.
const (
	SKMeta    = "#META"
	SKState   = "#STATE"
	SKConfig  = "#CONFIG"
	SKVersion = "#VERSION"
)

// ConfigDefaultResource is the SK suffix for an entity's resource-agnostic
// default config (SK=#CONFIG#_default_).
const ConfigDefaultResource = "_default_"

func namespacePrefix(ns string) string {
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "/"
}

// PKEntity builds the partition key for an entity's records.
func PKEntity(ns, entityID string) string {
	var b strings.Builder
	b.Grow(len(ns) + 1 + 7 + len(entityID) + 1)
	b.WriteString(namespacePrefix(ns))
	b.WriteString("ENTITY#")
	b.WriteString(entityID)
	return b.String()
}

// PKBucket builds the partition key for a composite (entity, resource,
// shard) bucket item.
func PKBucket(ns, entityID, resource, shard string) string {
	if shard == "" {
		shard = DefaultShard
	}
	var b strings.Builder
	b.Grow(len(ns) + 1 + 7 + len(entityID) + 1 + len(resource) + 1 + len(shard))
	b.WriteString(namespacePrefix(ns))
	b.WriteString("BUCKET#")
	b.WriteString(entityID)
	b.WriteByte('#')
	b.WriteString(resource)
	b.WriteByte('#')
	b.WriteString(shard)
	return b.String()
}

// PKResource builds the partition key for a resource-level config record.
func PKResource(ns, resource string) string {
	var b strings.Builder
	b.Grow(len(ns) + 1 + 9 + len(resource))
	b.WriteString(namespacePrefix(ns))
	b.WriteString("RESOURCE#")
	b.WriteString(resource)
	return b.String()
}

// PKSystem builds the partition key for the namespace's system record.
func PKSystem(ns string) string {
	return namespacePrefix(ns) + "SYSTEM#"
}

// Audit subject sentinels (§3: "entity id or $SYSTEM or $RESOURCE:{name}").
const (
	AuditSubjectSystem = "$SYSTEM"
)

// AuditSubjectResource builds the $RESOURCE:{name} audit subject.
func AuditSubjectResource(resource string) string {
	return "$RESOURCE:" + resource
}

// PKAudit builds the partition key for a subject's audit trail.
func PKAudit(ns, subject string) string {
	var b strings.Builder
	b.Grow(len(ns) + 1 + 6 + len(subject))
	b.WriteString(namespacePrefix(ns))
	b.WriteString("AUDIT#")
	b.WriteString(subject)
	return b.String()
}

// SKEntityConfig builds the SK for an entity config record, resource-specific
// or the entity-wide default when resource == ConfigDefaultResource.
func SKEntityConfig(resource string) string {
	return SKConfig + "#" + resource
}

// SKAudit builds the SK for one audit event given a sortable, monotonically
// increasing token (a ULID or an ISO-8601 timestamp).
func SKAudit(sortableToken string) string {
	return "#AUDIT#" + sortableToken
}
