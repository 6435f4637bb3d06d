// Package blob persists the patient snapshot as versioned JSON objects in a
// blob store. Every Save writes a new object; Load reads the newest one and
// older versions are pruned beyond the retention limit.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"patientcore/internal/blob/core"
	"patientcore/pkg/domain"
)

// Compile-time contract assertion ensuring blob.Store adheres to the domain persistence interface.
var _ domain.SnapshotStore = (*Store)(nil)

const (
	defaultPrefix    = "patients"
	defaultRetention = 10
	contentTypeJSON  = "application/json"
)

// Store adapts a core.Store into a domain.SnapshotStore.
type Store struct {
	objects   core.Store
	prefix    string
	retention int
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	primed bool
	lastTS int64
	seq    uint64
}

// Option customises a Store.
type Option func(*Store)

// WithPrefix sets the key prefix versions are written under.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention keeps at most n versions; n <= 0 keeps every version.
func WithRetention(n int) Option {
	return func(s *Store) { s.retention = n }
}

// WithClock overrides the clock used to name versions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger receives prune failures, which never fail a Save.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore wraps objects.
func NewStore(objects core.Store, opts ...Option) *Store {
	s := &Store{
		objects:   objects,
		prefix:    defaultPrefix,
		retention: defaultRetention,
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load decodes the newest version. No versions means an empty collection.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return domain.Snapshot{}, nil
	}
	latest := versions[len(versions)-1]
	_, rc, err := s.objects.Get(ctx, latest.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", latest.Key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", latest.Key, err)
	}
	snapshot, err := domain.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", latest.Key, err)
	}
	return snapshot, nil
}

// Save writes a new version and prunes the oldest ones past retention. Once
// the new version is stored the save has happened, so a failed prune is
// logged and left for the next Save to retry.
func (s *Store) Save(ctx context.Context, snapshot domain.Snapshot) error {
	data, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.nextKey(ctx)
	if err != nil {
		return err
	}
	_, err = s.objects.Put(ctx, key, bytes.NewReader(data), core.PutOptions{
		ContentType: contentTypeJSON,
		Metadata:    map[string]string{"records": strconv.Itoa(len(snapshot))},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := s.prune(ctx); err != nil {
		s.logger.Warn("snapshot prune failed", "key", key, "retention", s.retention, "error", err)
	}
	return nil
}

// Versions lists stored versions oldest first.
func (s *Store) Versions(ctx context.Context) ([]core.Info, error) {
	infos, err := s.objects.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return infos, nil
}

func (s *Store) prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	versions, err := s.Versions(ctx)
	if err != nil {
		return err
	}
	for len(versions) > s.retention {
		if _, err := s.objects.Delete(ctx, versions[0].Key); err != nil {
			return fmt.Errorf("prune %s: %w", versions[0].Key, err)
		}
		versions = versions[1:]
	}
	return nil
}

// nextKey names the next version. Keys sort lexically in write order: a
// zero-padded timestamp followed by a sequence for writes that share a clock
// reading. The first Save resumes after the newest stored key, and timestamps
// never go below it, so a clock that stepped backwards across a restart still
// yields a key that sorts last.
func (s *Store) nextKey(ctx context.Context) (string, error) {
	if !s.primed {
		versions, err := s.Versions(ctx)
		if err != nil {
			return "", err
		}
		if n := len(versions); n > 0 {
			if ts, seq, ok := s.parseKey(versions[n-1].Key); ok {
				s.lastTS, s.seq = ts, seq
			}
		}
		s.primed = true
	}
	ts := s.now().UTC().UnixNano()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	s.seq++
	return fmt.Sprintf("%s/%020d-%06d.json", s.prefix, ts, s.seq), nil
}

func (s *Store) parseKey(key string) (int64, uint64, bool) {
	name, ok := strings.CutPrefix(key, s.prefix+"/")
	if !ok {
		return 0, 0, false
	}
	tsPart, seqPart, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "-")
	if !ok {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, seq, true
}
