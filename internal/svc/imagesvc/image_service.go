package imagesvc

import (
	"context"

	"github.com/mkrupp/resizecache/internal/domain"
)

// ImageService defines the interface for producing and serving derived images.
type ImageService interface {
	// ProcessBatch returns the content key of every spec, in order, producing and
	// recording derived images that do not exist yet.
	// Any failure aborts the whole batch and no keys are returned.
	ProcessBatch(ctx context.Context, sourceID string, specs []domain.TransformSpec) ([]domain.ContentKey, error)

	// ProcessObjectCreated applies the default transformations to every object named
	// by event. Returns the number of processed objects.
	ProcessObjectCreated(ctx context.Context, event domain.ObjectCreatedEvent) (int, error)

	// ReceiveUpload validates and stores a raw image, then applies the default
	// transformations to it.
	ReceiveUpload(ctx context.Context, objectID domain.BlobKey, body []byte) ([]domain.ContentKey, error)

	// FetchTransformed returns the derived image of sourceID for spec, producing it
	// if needed. created reports whether it was produced by this call.
	FetchTransformed(
		ctx context.Context,
		sourceID string,
		spec domain.TransformSpec,
	) (blob *domain.Blob, created bool, err error)

	// FetchDerived returns a derived image by its content key.
	FetchDerived(ctx context.Context, key domain.ContentKey) (*domain.Blob, error)

	// DefaultTransformations returns the specs applied to new raw images.
	DefaultTransformations() []domain.TransformSpec
}
