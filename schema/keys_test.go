package schema

import "testing"

func TestPKEntityDefaultNamespace(t *testing.T) {
	if got, want := PKEntity("", "u1"), "default/ENTITY#u1"; got != want {
		t.Fatalf("PKEntity() = %q, want %q", got, want)
	}
}

func TestPKBucketDefaultShard(t *testing.T) {
	got := PKBucket("default", "u1", "api", "")
	want := "default/BUCKET#u1#api#0"
	if got != want {
		t.Fatalf("PKBucket() = %q, want %q", got, want)
	}
}

func TestPKBucketExplicitShard(t *testing.T) {
	got := PKBucket("acme", "parent", "api", "3")
	want := "acme/BUCKET#parent#api#3"
	if got != want {
		t.Fatalf("PKBucket() = %q, want %q", got, want)
	}
}

func TestPKResourceAndSystem(t *testing.T) {
	if got, want := PKResource("acme", "api"), "acme/RESOURCE#api"; got != want {
		t.Fatalf("PKResource() = %q, want %q", got, want)
	}
	if got, want := PKSystem("acme"), "acme/SYSTEM#"; got != want {
		t.Fatalf("PKSystem() = %q, want %q", got, want)
	}
}

func TestPKAuditSubjects(t *testing.T) {
	if got, want := PKAudit("default", AuditSubjectSystem), "default/AUDIT#$SYSTEM"; got != want {
		t.Fatalf("PKAudit(system) = %q, want %q", got, want)
	}
	if got, want := PKAudit("default", AuditSubjectResource("api")), "default/AUDIT#$RESOURCE:api"; got != want {
		t.Fatalf("PKAudit(resource) = %q, want %q", got, want)
	}
}

func TestSKEntityConfig(t *testing.T) {
	if got, want := SKEntityConfig(ConfigDefaultResource), "#CONFIG#_default_"; got != want {
		t.Fatalf("SKEntityConfig(default) = %q, want %q", got, want)
	}
	if got, want := SKEntityConfig("api"), "#CONFIG#api"; got != want {
		t.Fatalf("SKEntityConfig(api) = %q, want %q", got, want)
	}
}
