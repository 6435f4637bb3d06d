package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"patientcore/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	meta := map[string]string{"records": "2"}
	info, err := s.Put(ctx, "snapshots/a.json", strings.NewReader(`{"P001":{}}`), core.PutOptions{ContentType: "application/json", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["records"] = "mutated"
	if info.Size != 11 || info.ETag == "" || info.Metadata["records"] != "2" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "snapshots/a.json", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := s.Get(ctx, "snapshots/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"P001":{}}` || got.ContentType != "application/json" {
		t.Fatalf("unexpected get %q %+v", body, got)
	}
	if _, err := s.Head(ctx, "snapshots/a.json"); err != nil {
		t.Fatalf("head: %v", err)
	}

	if _, err := s.Put(ctx, "snapshots/b.json", strings.NewReader("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if _, err := s.Put(ctx, "other/c.json", strings.NewReader("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put c: %v", err)
	}
	list, err := s.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "snapshots/a.json" || list[1].Key != "snapshots/b.json" {
		t.Fatalf("unexpected list %+v", list)
	}

	deleted, err := s.Delete(ctx, "snapshots/a.json")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	deleted, err = s.Delete(ctx, "snapshots/a.json")
	if err != nil || deleted {
		t.Fatalf("second delete should report false: %v %v", deleted, err)
	}
	if _, _, err := s.Get(ctx, "snapshots/a.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on head, got %v", err)
	}
}

func TestMemoryStoreRejectsEmptyKeyAndCancelledContext(t *testing.T) {
	s := New()
	if _, err := s.Put(context.Background(), " ", strings.NewReader(""), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.List(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if _, err := s.Put(ctx, "k", strings.NewReader(""), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
