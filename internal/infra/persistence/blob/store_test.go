package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	blobfactory "patientcore/internal/blob"
	"patientcore/internal/blob/core"
	"patientcore/pkg/domain"
)

func memoryObjects(t *testing.T) core.Store {
	t.Helper()
	objects, err := blobfactory.Open(context.Background(), blobfactory.Config{Driver: core.DriverMemory})
	if err != nil {
		t.Fatalf("open memory blobs: %v", err)
	}
	return objects
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestLoadEmptyAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memoryObjects(t))

	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty snapshot, got %v", empty)
	}

	snap := domain.Snapshot{"P001": {Name: "Ananya", Height: 1.7, Weight: 70, BMI: 24.22, Verdict: domain.VerdictNormal}}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["P001"] != snap["P001"] {
		t.Fatalf("expected %+v, got %+v", snap["P001"], got["P001"])
	}
}

func TestSaveWritesVersionsAndLoadsNewest(t *testing.T) {
	ctx := context.Background()
	objects := memoryObjects(t)
	store := NewStore(objects, WithPrefix("ward"), WithClock(fixedClock()), WithRetention(0))

	for _, name := range []string{"first", "second", "third"} {
		if err := store.Save(ctx, domain.Snapshot{"P001": {Name: name}}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for _, v := range versions {
		if !strings.HasPrefix(v.Key, "ward/") || !strings.HasSuffix(v.Key, ".json") {
			t.Fatalf("unexpected key %s", v.Key)
		}
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["P001"].Name != "third" {
		t.Fatalf("expected newest version, got %q", got["P001"].Name)
	}
	head, err := objects.Head(ctx, versions[2].Key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.ContentType != "application/json" || head.Metadata["records"] != "1" {
		t.Fatalf("unexpected object info %+v", head)
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memoryObjects(t), WithRetention(2))
	for i := 0; i < 5; i++ {
		if err := store.Save(ctx, domain.Snapshot{}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected retention of 2, got %d", len(versions))
	}
	if !strings.HasSuffix(versions[1].Key, "-000005.json") {
		t.Fatalf("expected newest write kept, got %s", versions[1].Key)
	}
}

func TestStoreOverMockS3(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blobfactory.NewMockS3ForTests(), WithRetention(3))
	for i, name := range []string{"a", "b", "c", "d"} {
		if err := store.Save(ctx, domain.Snapshot{"P00" + string(rune('1'+i)): {Name: name}}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["P004"].Name != "d" || len(got) != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	versions, err := store.Versions(ctx)
	if err != nil || len(versions) != 3 {
		t.Fatalf("expected 3 retained versions: %v %d", err, len(versions))
	}
}

type failingObjects struct {
	core.Store
	listErr error
	putErr  error
	body    string
}

func (f failingObjects) List(context.Context, string) ([]core.Info, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []core.Info{{Key: "patients/1.json"}}, nil
}

func (f failingObjects) Get(context.Context, string) (core.Info, io.ReadCloser, error) {
	return core.Info{}, io.NopCloser(strings.NewReader(f.body)), nil
}

func (f failingObjects) Put(context.Context, string, io.Reader, core.PutOptions) (core.Info, error) {
	return core.Info{}, f.putErr
}

func TestStoreSurfacesObjectErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := NewStore(failingObjects{listErr: boom}).Load(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected list error, got %v", err)
	}
	if _, err := NewStore(failingObjects{body: "{"}).Load(ctx); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := NewStore(failingObjects{putErr: boom}).Save(ctx, domain.Snapshot{}); !errors.Is(err, boom) {
		t.Fatalf("expected put error, got %v", err)
	}
}

type denyDeletes struct {
	core.Store
}

func (denyDeletes) Delete(context.Context, string) (bool, error) {
	return false, errors.New("delete denied")
}

func TestSaveSucceedsWhenPruneFails(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	store := NewStore(denyDeletes{memoryObjects(t)}, WithRetention(1),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	if err := store.Save(ctx, domain.Snapshot{"P001": {Name: "first"}}); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := domain.Snapshot{"P001": {Name: "first"}, "P002": {Name: "second"}}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("a stored version must not fail on prune: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got["P002"].Name != "second" {
		t.Fatalf("expected newest snapshot, got %+v", got)
	}
	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected unpruned versions to remain, got %d", len(versions))
	}
	if !strings.Contains(logs.String(), "snapshot prune failed") || !strings.Contains(logs.String(), "delete denied") {
		t.Fatalf("expected prune failure to be logged, got %q", logs.String())
	}
}

func TestSaveOrdersAfterExistingVersionsWhenClockStepsBack(t *testing.T) {
	ctx := context.Background()
	objects := memoryObjects(t)
	later := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	first := NewStore(objects, WithClock(func() time.Time { return later }), WithRetention(1))
	for i := 0; i < 3; i++ {
		if err := first.Save(ctx, domain.Snapshot{"P001": {Name: fmt.Sprintf("v%d", i)}}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	restarted := NewStore(objects, WithClock(func() time.Time { return earlier }), WithRetention(1))
	if err := restarted.Save(ctx, domain.Snapshot{"P001": {Name: "after restart"}}); err != nil {
		t.Fatalf("save after restart: %v", err)
	}
	got, err := restarted.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["P001"].Name != "after restart" {
		t.Fatalf("expected the latest write to win, got %q", got["P001"].Name)
	}
	versions, err := restarted.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	want := fmt.Sprintf("patients/%020d-%06d.json", later.UnixNano(), 4)
	if len(versions) != 1 || versions[0].Key != want {
		t.Fatalf("expected only %s retained, got %+v", want, versions)
	}
}
