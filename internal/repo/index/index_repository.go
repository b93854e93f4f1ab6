package index

import (
	"context"

	"github.com/mkrupp/resizecache/internal/domain"
)

// Repository records which derived images exist for a source image.
// A record is written only after the derived blob it names has been stored.
type Repository interface {
	// Lookup reports whether a record for (sourceID, key) exists.
	// Returns domain.ErrIndexQuery if the query fails.
	Lookup(ctx context.Context, sourceID string, key domain.ContentKey) (bool, error)

	// Insert records (sourceID, key). Inserting an existing record is a no-op.
	// Returns domain.ErrStorageWrite if the write fails.
	Insert(ctx context.Context, sourceID string, key domain.ContentKey) error

	// Close releases any resources held by the repository.
	Close() error
}

// RepositoryFactory is a function that creates the Repository backed by table.
// Returns an error if initialization fails.
type RepositoryFactory func(ctx context.Context, table string) (Repository, error)
