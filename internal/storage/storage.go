package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when no object exists at bucket/key
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides blob access by bucket and key
type ObjectStore interface {
	// Get returns the object's bytes or ErrObjectNotFound
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put stores data at bucket/key, replacing any existing object
	Put(ctx context.Context, bucket, key string, data []byte) error
}
