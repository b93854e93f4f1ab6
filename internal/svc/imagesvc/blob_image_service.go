package imagesvc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mkrupp/resizecache/internal/domain"
	context_ "github.com/mkrupp/resizecache/internal/infra/context"
	"github.com/mkrupp/resizecache/internal/infra/config"
	"github.com/mkrupp/resizecache/internal/infra/logging"
	"github.com/mkrupp/resizecache/internal/repo/blob"
	"github.com/mkrupp/resizecache/internal/repo/index"
)

// BlobImageService implements ImageService on top of two blob buckets and an index.
// Raw images are read from the raw bucket, derived images are written to the
// transformed bucket under their content key and recorded in the index afterwards.
type BlobImageService struct {
	rawRepo     blob.Repository
	derivedRepo blob.Repository
	indexRepo   index.Repository
	engine      Transformer
	deriveKey   KeyDeriver

	rawBucket string
	defaults  []domain.TransformSpec
	cfg       ImageConfig
	log       logging.Logger

	flight *singleflight.Group
}

var _ ImageService = (*BlobImageService)(nil)

// NewBlobImageService creates a new BlobImageService with the given configuration.
// It opens the raw and transformed buckets named by appCfg through repoFactory.
// Returns an error if a bucket cannot be opened or cfg names an unknown
// interpolator or key encoding.
func NewBlobImageService(
	ctx context.Context,
	repoFactory blob.RepositoryFactory,
	indexRepo index.Repository,
	appCfg config.AppConfig,
	cfg ImageConfig,
) (*BlobImageService, error) {
	rawRepo, err := repoFactory(ctx, appCfg.RawBucket)
	if err != nil {
		return nil, fmt.Errorf("new raw repository: %w", err)
	}

	derivedRepo, err := repoFactory(ctx, appCfg.TransformedBucket)
	if err != nil {
		return nil, fmt.Errorf("new derived repository: %w", err)
	}

	engine, err := NewTransformEngine(cfg.Interpolator, cfg.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("new transform engine: %w", err)
	}

	deriveKey, err := GetKeyDeriverByName(cfg.KeyEncoding)
	if err != nil {
		return nil, fmt.Errorf("get key deriver: %w", err)
	}

	if cfg.EventConcurrency < 1 {
		cfg.EventConcurrency = 1
	}

	return &BlobImageService{
		rawRepo:     rawRepo,
		derivedRepo: derivedRepo,
		indexRepo:   indexRepo,
		engine:      engine,
		deriveKey:   deriveKey,
		rawBucket:   appCfg.RawBucket,
		defaults:    appCfg.DefaultTransformations,
		cfg:         cfg,
		log:         logging.GetLogger("svc.imagesvc.blob_image_service"),
		flight:      new(singleflight.Group),
	}, nil
}

// DefaultTransformations implements ImageService.DefaultTransformations.
func (imageSvc *BlobImageService) DefaultTransformations() []domain.TransformSpec {
	return append([]domain.TransformSpec(nil), imageSvc.defaults...)
}

// ProcessBatch implements ImageService.ProcessBatch.
func (imageSvc *BlobImageService) ProcessBatch(
	ctx context.Context,
	sourceID string,
	specs []domain.TransformSpec,
) ([]domain.ContentKey, error) {
	results, err := imageSvc.processBatch(ctx, sourceID, specs)
	if err != nil {
		return nil, err
	}

	keys := make([]domain.ContentKey, len(results))
	for i, result := range results {
		keys[i] = result.key
	}

	return keys, nil
}

type batchResult struct {
	key     domain.ContentKey
	created bool
}

func (imageSvc *BlobImageService) processBatch(
	ctx context.Context,
	sourceID string,
	specs []domain.TransformSpec,
) (results []batchResult, err error) {
	ctx = context_.WithSourceID(ctx, sourceID)
	log := imageSvc.log.With(logging.Group("batch", "specs", len(specs)))

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "process batch failed", "error", err, "kind", domain.ErrorKind(err))
		} else {
			created := 0

			for _, result := range results {
				if result.created {
					created++
				}
			}

			log.DebugContext(ctx, "batch processed", "created", created, "cached", len(results)-created)
		}
	}()

	if len(specs) == 0 {
		return []batchResult{}, nil
	}

	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
	}

	raw, err := imageSvc.rawRepo.Fetch(ctx, domain.BlobKey(sourceID))
	if err != nil {
		return nil, fmt.Errorf("fetch raw: %w", errors.Join(domain.ErrStorageRead, err))
	}

	log = log.With(logging.Bytes("raw", raw.Size()))
	results = make([]batchResult, 0, len(specs))

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}

		key := imageSvc.deriveKey(sourceID, spec)

		created, err := imageSvc.ensureDerived(ctx, sourceID, key, raw.Body, spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec, err)
		}

		results = append(results, batchResult{key: key, created: created})
	}

	return results, nil
}

// ensureDerived makes sure the derived image of key exists and is recorded.
// The blob is always written before the index record.
func (imageSvc *BlobImageService) ensureDerived(
	ctx context.Context,
	sourceID string,
	key domain.ContentKey,
	raw []byte,
	spec domain.TransformSpec,
) (created bool, err error) {
	hit, err := imageSvc.indexRepo.Lookup(ctx, sourceID, key)
	if err != nil {
		return false, fmt.Errorf("lookup: %w", err)
	}

	if hit {
		return false, nil
	}

	// callers joining the flight must not inherit the cancellation of the first one
	flightCtx := context.WithoutCancel(ctx)

	result := imageSvc.flight.DoChan(key.String(), func() (any, error) {
		return nil, imageSvc.produce(flightCtx, sourceID, key, raw, spec)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return false, res.Err //nolint:wrapcheck
		}

		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("wait for derived image: %w", ctx.Err())
	}
}

func (imageSvc *BlobImageService) produce(
	ctx context.Context,
	sourceID string,
	key domain.ContentKey,
	raw []byte,
	spec domain.TransformSpec,
) (err error) {
	log := imageSvc.log.With(logging.Group("derived", "key", key, "spec", spec.String()))

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "produce derived image failed", "error", err)
		} else {
			log.DebugContext(ctx, "derived image produced")
		}
	}()

	derived, err := imageSvc.engine.Transform(raw, spec)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	log = log.With(logging.Bytes("size", int64(len(derived))))

	err = imageSvc.derivedRepo.Store(ctx, domain.NewBlob(key.BlobKey(), derived, domain.ContentTypePNG))
	if errors.Is(err, domain.ErrBlobExists) {
		// left by a write whose index record failed; content is deterministic
		log.DebugContext(ctx, "derived image already stored")
	} else if err != nil {
		return fmt.Errorf("store derived: %w", errors.Join(domain.ErrStorageWrite, err))
	}

	if err := imageSvc.indexRepo.Insert(ctx, sourceID, key); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	return nil
}

// ProcessObjectCreated implements ImageService.ProcessObjectCreated.
// Records are processed concurrently, the first failure cancels the rest.
func (imageSvc *BlobImageService) ProcessObjectCreated(
	ctx context.Context,
	event domain.ObjectCreatedEvent,
) (processed int, err error) {
	log := imageSvc.log.With(logging.Group("event", "records", len(event.Records)))

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "process object created failed", "error", err)
		} else {
			log.DebugContext(ctx, "object created processed", "processed", processed)
		}
	}()

	refs, err := event.Objects()
	if err != nil {
		return 0, fmt.Errorf("parse event: %w", err)
	}

	for _, ref := range refs {
		if ref.Bucket != imageSvc.rawBucket {
			return 0, fmt.Errorf("%w: %q", domain.ErrUnknownBucket, ref.Bucket)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(imageSvc.cfg.EventConcurrency)

	for _, ref := range refs {
		group.Go(func() error {
			if _, err := imageSvc.ProcessBatch(groupCtx, ref.Key.String(), imageSvc.defaults); err != nil {
				return fmt.Errorf("object %s: %w", ref.Key, err)
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return 0, err //nolint:wrapcheck
	}

	return len(refs), nil
}

// ReceiveUpload implements ImageService.ReceiveUpload.
func (imageSvc *BlobImageService) ReceiveUpload(
	ctx context.Context,
	objectID domain.BlobKey,
	body []byte,
) (keys []domain.ContentKey, err error) {
	log := imageSvc.log.With(logging.Group("upload", "id", objectID, logging.Bytes("size", int64(len(body)))))

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "receive upload failed", "error", err)
		} else {
			log.DebugContext(ctx, "upload received", "keys", len(keys))
		}
	}()

	mimeType, err := DetectImageType(body)
	if err != nil {
		return nil, fmt.Errorf("detect image type: %w", err)
	}

	// raw images are immutable, a second upload under the same id is refused
	err = imageSvc.rawRepo.Store(ctx, domain.NewBlob(objectID, body, mimeType))
	if errors.Is(err, domain.ErrBlobExists) {
		return nil, fmt.Errorf("store raw: %w", err)
	} else if err != nil {
		return nil, fmt.Errorf("store raw: %w", errors.Join(domain.ErrStorageWrite, err))
	}

	return imageSvc.ProcessBatch(ctx, objectID.String(), imageSvc.defaults)
}

// FetchTransformed implements ImageService.FetchTransformed.
func (imageSvc *BlobImageService) FetchTransformed(
	ctx context.Context,
	sourceID string,
	spec domain.TransformSpec,
) (*domain.Blob, bool, error) {
	results, err := imageSvc.processBatch(ctx, sourceID, []domain.TransformSpec{spec})
	if err != nil {
		return nil, false, err
	}

	derived, err := imageSvc.FetchDerived(ctx, results[0].key)
	if err != nil {
		return nil, false, err
	}

	return derived, results[0].created, nil
}

// FetchDerived implements ImageService.FetchDerived.
func (imageSvc *BlobImageService) FetchDerived(ctx context.Context, key domain.ContentKey) (*domain.Blob, error) {
	derived, err := imageSvc.derivedRepo.Fetch(ctx, key.BlobKey())
	if err != nil {
		return nil, fmt.Errorf("fetch derived: %w", errors.Join(domain.ErrStorageRead, err))
	}

	return derived, nil
}
