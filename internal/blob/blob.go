// Package blob stores backup artifacts, either in an S3-compatible bucket
// or in a local directory.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/stack-migrate/internal/config"
)

// Store holds artifacts by name. Names use forward slashes.
type Store interface {
	// Put writes data under name and returns where it landed.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get reads name. Missing artifacts wrap migration.ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Open builds the store described by cfg.
func Open(cfg config.BlobConfig) (Store, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Store(cfg), nil
	case "dir", "":
		return NewDirStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Type)
	}
}

func cleanName(name string) (string, error) {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "", fmt.Errorf("empty artifact name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("artifact name %q escapes the store", name)
		}
	}
	return name, nil
}
