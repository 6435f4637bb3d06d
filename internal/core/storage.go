package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"patientcore/internal/blob"
	"patientcore/internal/infra/persistence/badger"
	persistblob "patientcore/internal/infra/persistence/blob"
	"patientcore/internal/infra/persistence/file"
	"patientcore/internal/infra/persistence/memory"
	"patientcore/internal/infra/persistence/postgres"
	"patientcore/internal/infra/persistence/sqlite"
	"patientcore/pkg/domain"
)

// StorageDriver identifies a concrete snapshot store implementation.
type StorageDriver string

const (
	StorageFile     StorageDriver = "file"     // single JSON document (default)
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBadger   StorageDriver = "badger"   // embedded badger key-value store
	StorageBlob     StorageDriver = "blob"     // versioned objects in a blob store
)

// StorageDrivers lists every supported driver.
var StorageDrivers = []StorageDriver{StorageFile, StorageMemory, StorageSQLite, StoragePostgres, StorageBadger, StorageBlob}

// StorageConfig selects and configures the snapshot store.
type StorageConfig struct {
	Driver         StorageDriver `yaml:"driver"`
	FilePath       string        `yaml:"file_path"`
	SQLitePath     string        `yaml:"sqlite_path"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	BadgerDir      string        `yaml:"badger_dir"`
	BadgerInMemory bool          `yaml:"badger_in_memory"`
	Blob           blob.Config   `yaml:"blob"`
	BlobPrefix     string        `yaml:"blob_prefix"`
	BlobRetention  int           `yaml:"blob_retention"`
}

// StorageOption tunes how OpenSnapshotStore builds a driver.
type StorageOption func(*storageOptions)

type storageOptions struct {
	logger *slog.Logger
}

// WithStorageLogger receives driver warnings that do not fail an operation.
func WithStorageLogger(logger *slog.Logger) StorageOption {
	return func(o *storageOptions) { o.logger = logger }
}

// OpenSnapshotStore builds the configured store. The returned closer releases
// any database handle and is never nil.
func OpenSnapshotStore(ctx context.Context, cfg StorageConfig, opts ...StorageOption) (domain.SnapshotStore, io.Closer, error) {
	var options storageOptions
	for _, opt := range opts {
		opt(&options)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StorageFile
	}
	switch driver {
	case StorageFile:
		store, err := file.NewStore(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	case StorageMemory:
		return memory.NewStore(nil), nopCloser{}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageBadger:
		store, err := badger.NewStore(badger.Options{Dir: cfg.BadgerDir, InMemory: cfg.BadgerInMemory})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageBlob:
		objects, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, nil, fmt.Errorf("open blob store: %w", err)
		}
		blobOpts := []persistblob.Option{
			persistblob.WithPrefix(cfg.BlobPrefix),
			persistblob.WithLogger(options.logger),
		}
		if cfg.BlobRetention != 0 {
			blobOpts = append(blobOpts, persistblob.WithRetention(cfg.BlobRetention))
		}
		return persistblob.NewStore(objects, blobOpts...), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
