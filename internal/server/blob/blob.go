// Package blob provides durable artifact storage for rendered reports.
package blob

import (
	"context"
	"time"
)

// Store is the blob storage contract used by the workflow engine and the
// API layer. An artifact is written once per session and never mutated.
type Store interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignGet returns a time-limited download URL for an artifact.
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}
