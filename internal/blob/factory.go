// Package blob selects and constructs object store drivers. Packages outside
// internal/blob depend on core.Store and never import the infra drivers.
package blob

import (
	"context"
	"fmt"

	"patientcore/internal/blob/core"
	blobfs "patientcore/internal/infra/blob/fs"
	blobmemory "patientcore/internal/infra/blob/memory"
	blobs3 "patientcore/internal/infra/blob/s3"
)

// S3Config re-exports the S3 driver configuration.
type S3Config = blobs3.Config

// Config picks a driver and carries its settings.
type Config struct {
	Driver core.Driver `yaml:"driver"`
	FSRoot string      `yaml:"fs_root"`
	S3     S3Config    `yaml:"s3"`
}

// Open builds the configured core.Store. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (core.Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = core.DriverFilesystem
	}
	switch driver {
	case core.DriverFilesystem:
		return blobfs.New(cfg.FSRoot)
	case core.DriverS3:
		return blobs3.New(ctx, cfg.S3)
	case core.DriverMemory:
		return blobmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() core.Store { return blobs3.NewMockForTests() }
