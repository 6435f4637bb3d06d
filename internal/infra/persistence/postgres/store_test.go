package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"patientcore/internal/infra/persistence/postgres/testutil"
	"patientcore/pkg/domain"
)

func newStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	store, conn := newStubStore(t)
	if store.DB() == nil {
		t.Fatalf("expected db handle")
	}
	if len(conn.Execs) == 0 || !strings.Contains(conn.Execs[0], "CREATE TABLE IF NOT EXISTS state") {
		t.Fatalf("expected state DDL, got %v", conn.Execs)
	}
	if !strings.Contains(conn.Execs[0], "JSONB") {
		t.Fatalf("expected JSONB payload column: %s", conn.Execs[0])
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, conn := newStubStore(t)

	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty snapshot, got %v", empty)
	}

	snap := domain.Snapshot{"P001": {Name: "Ananya", City: "Pune", Age: 30, Height: 1.7, Weight: 70, BMI: 24.22, Verdict: domain.VerdictNormal}}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap["P002"] = domain.Record{Name: "Bo"}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if rows := conn.Tables["state"]; len(rows) != 1 {
		t.Fatalf("expected single state row, got %d", len(rows))
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got["P001"] != snap["P001"] {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestLoadIgnoresOtherBuckets(t *testing.T) {
	store, conn := newStubStore(t)
	conn.Seed("state",
		map[string]any{"bucket": "legacy", "payload": []byte("not json")},
		map[string]any{"bucket": patientsBucket, "payload": []byte(`{"P009":{"name":"Zed"}}`)},
	)
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["P009"].Name != "Zed" || len(got) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()

	store, conn := newStubStore(t)
	conn.Seed("state", map[string]any{"bucket": patientsBucket, "payload": []byte("[")})
	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("expected decode error")
	}

	store, conn = newStubStore(t)
	conn.FailTables = map[string]bool{"state": true}
	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("expected query error")
	}

	store, conn = newStubStore(t)
	conn.RowsErr = errors.New("rows boom")
	if _, err := store.Load(ctx); err == nil || !strings.Contains(err.Error(), "rows boom") {
		t.Fatalf("expected rows error, got %v", err)
	}
}

func TestSaveErrors(t *testing.T) {
	ctx := context.Background()
	cases := map[string]func(*testutil.StubConn){
		"begin":  func(c *testutil.StubConn) { c.FailBegin = true },
		"exec":   func(c *testutil.StubConn) { c.FailExec = true },
		"commit": func(c *testutil.StubConn) { c.FailCommit = true },
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			store, conn := newStubStore(t)
			arrange(conn)
			if err := store.Save(ctx, domain.Snapshot{}); err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("expected %s failure, got %v", name, err)
			}
		})
	}
}

func TestNewStoreFailures(t *testing.T) {
	ctx := context.Background()

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("dial refused") })
	if _, err := NewStore(ctx, "postgres://example"); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore(ctx, ""); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(ctx, ""); err == nil || !strings.Contains(err.Error(), "ensure state table") {
		t.Fatalf("expected DDL error, got %v", err)
	}
}

func TestOverrideSQLOpenRestores(t *testing.T) {
	called := false
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
		called = true
		return nil, errors.New("stub")
	})
	_, _ = NewStore(context.Background(), "")
	restore()
	if !called {
		t.Fatalf("expected override to be used")
	}
}
