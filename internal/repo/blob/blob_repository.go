package blob

import (
	"context"

	"github.com/mkrupp/resizecache/internal/domain"
)

// Repository defines the interface for the objects of a single bucket.
type Repository interface {
	// Exists checks if a blob with the given key exists.
	Exists(ctx context.Context, key domain.BlobKey) bool

	// Store persists a blob under a key that is not taken yet. The write is atomic:
	// readers observe either no object or the complete one.
	// Returns domain.ErrBlobExists if the key already holds an object.
	Store(ctx context.Context, blob *domain.Blob) error

	// Fetch retrieves a blob by its key.
	// Returns domain.ErrBlobNotFound if no such blob exists.
	Fetch(ctx context.Context, key domain.BlobKey) (*domain.Blob, error)
}

// RepositoryFactory is a function that creates the Repository of a bucket.
// Returns an error if initialization fails.
type RepositoryFactory func(
	ctx context.Context,
	bucket string,
) (Repository, error)
