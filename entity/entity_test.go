package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/zeroae/limiter/store"
	"github.com/zeroae/limiter/store/memstore"
)

func TestManagerCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	m := New(s, "default")

	if err := m.Create(ctx, "u1", "User One", "", false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := m.Get(ctx, "u1")
	if err != nil || got.EntityID != "u1" || got.Name != "User One" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}

	if err := m.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "u1"); err == nil {
		t.Fatalf("expected Get after Delete to fail")
	}
}

func TestManagerCreateRejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	m := New(s, "default")

	if err := m.Create(ctx, "has#hash", "", "", false, nil); err == nil {
		t.Fatalf("expected ValidationError for id with '#'")
	}
}

func TestManagerChildren(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	m := New(s, "default")

	if err := m.Create(ctx, "parent", "", "", false, nil); err != nil {
		t.Fatalf("Create(parent): %v", err)
	}
	if err := m.Create(ctx, "child", "", "parent", true, nil); err != nil {
		t.Fatalf("Create(child): %v", err)
	}

	children, err := m.Children(ctx, "parent")
	if err != nil || len(children) != 1 || children[0].EntityID != "child" {
		t.Fatalf("Children() = %+v, %v", children, err)
	}
}

func TestManagerCreateEmitsAudit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()
	m := New(s, "default")

	if err := m.Create(ctx, "u1", "", "", false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// memstore implements AuditCapability; verify the append didn't error
	// by appending a second distinguishable event directly and confirming
	// no panic/conflict from sharing the subject partition.
	var auditor store.AuditCapability = s
	if err := auditor.AppendAudit(ctx, "default", "u1", store.AuditEvent{SortKey: "01AAAA", Action: "probe"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestCheckVersionCompatible(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	s.PutVersion("default", store.VersionRecord{SchemaVersion: "3", MinClientVersion: "1.0.0"})
	if err := CheckVersion(ctx, s, "default", "2.0.0"); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}
}

func TestCheckVersionIncompatible(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	s.PutVersion("default", store.VersionRecord{SchemaVersion: "3", MinClientVersion: "9.0.0"})
	if err := CheckVersion(ctx, s, "default", "2.0.0"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestCheckVersionNoRecordIsCompatible(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	defer s.Close()

	if err := CheckVersion(ctx, s, "default", "2.0.0"); err != nil {
		t.Fatalf("CheckVersion with no record: %v", err)
	}
}
