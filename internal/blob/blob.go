// Package blob stores overflow payloads that are too large for the state store.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store holds immutable blobs addressed by path. Put replaces a blob in full.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// StagePath returns the overflow blob path for a run's stage result list.
func StagePath(runID, stage string) string {
	return fmt.Sprintf("pipelines/%s/%s.json", runID, stage)
}
