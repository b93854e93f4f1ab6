package blob

import (
	"context"
	_ "crypto/sha256" // registers the canonical digest algorithm
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/logging"
)

var (
	ErrBytesWrittenMismatch = errors.New("bytes written mismatch")
	ErrDigestMismatch       = errors.New("digest mismatch")
)

const (
	dirPrefixLength = 2 // 16^2 = 256 directories
	dirPrefixDepth  = 2 // 256^2 = 65,536 directories per bucket

	bodySuffix = ".blob"
	metaSuffix = ".meta.json"
)

// FileSystemBlobRepositoryConfig holds configuration for the filesystem-based blob repository.
type FileSystemBlobRepositoryConfig struct {
	// Basedir is the root directory for blob storage, one subdirectory per bucket
	Basedir string `env:"BASEDIR" default:"var/storage/blob"`
}

// FileSystemBlobRepositoryFactory creates a factory function that returns a new FileSystemRepository.
// The factory function implements the RepositoryFactory type.
func FileSystemBlobRepositoryFactory(cfg FileSystemBlobRepositoryConfig) RepositoryFactory {
	return func(ctx context.Context, bucket string) (Repository, error) {
		return NewFileSystemBlobRepository(ctx, bucket, cfg)
	}
}

// NewFileSystemBlobRepository creates a new FileSystemRepository storing the objects of
// bucket below cfg.Basedir. Returns an error if the bucket name is not a valid path
// segment or the directory cannot be created.
func NewFileSystemBlobRepository(
	ctx context.Context,
	bucket string,
	cfg FileSystemBlobRepositoryConfig,
) (*FileSystemRepository, error) {
	if err := domain.BlobKey(bucket).Validate(); err != nil {
		return nil, fmt.Errorf("bucket name: %w", err)
	}

	log := logging.GetLogger("repo.blob.filesystem_repository").With(
		logging.Group("repo",
			"basedir", cfg.Basedir,
			"bucket", bucket,
		),
	)

	repo := &FileSystemRepository{
		bucket: bucket,
		cfg:    cfg,
		log:    log,
	}

	if err := repo.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}

	return repo, nil
}

// FileSystemRepository implements Repository using the local filesystem.
// Objects are spread over a directory hierarchy derived from the digest of their key.
// Each object is a body file plus a JSON sidecar holding content type, size and digest.
type FileSystemRepository struct {
	bucket string
	cfg    FileSystemBlobRepositoryConfig
	log    logging.Logger
}

var _ Repository = (*FileSystemRepository)(nil)

// blobMeta is the sidecar stored next to every body.
type blobMeta struct {
	ContentType string        `json:"contentType"`
	Size        int64         `json:"size"`
	Digest      digest.Digest `json:"digest"`
}

// Bucket returns the name of the bucket the repository is bound to.
func (fsRepo *FileSystemRepository) Bucket() string {
	return fsRepo.bucket
}

func (fsRepo *FileSystemRepository) Exists(_ context.Context, key domain.BlobKey) bool {
	if key.Validate() != nil {
		return false
	}

	_, err := os.Stat(fsRepo.GetFilename(key))

	return err == nil
}

func (fsRepo *FileSystemRepository) Fetch(ctx context.Context, key domain.BlobKey) (*domain.Blob, error) {
	blob, err := fsRepo.fetchBlob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}

	return blob, nil
}

func (fsRepo *FileSystemRepository) Store(ctx context.Context, blob *domain.Blob) error {
	if err := fsRepo.storeBlob(ctx, blob); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}

	return nil
}

func (fsRepo *FileSystemRepository) initStorage(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			fsRepo.log.ErrorContext(ctx, "init storage failed", "error", err)
		} else {
			fsRepo.log.DebugContext(ctx, "init storage")
		}
	}()

	if err := os.MkdirAll(filepath.Join(fsRepo.cfg.Basedir, fsRepo.bucket), 0o755); err != nil {
		return fmt.Errorf("mkdir all: %w", err)
	}

	return nil
}

func (fsRepo *FileSystemRepository) getBasename(key domain.BlobKey) string {
	// Shard on the digest of the key so opaque upload ids and content keys spread alike:
	//   derived/3f/a2/0E5C0D3D3B4A9F0B5E9D7C6F8A1B2C3D4E5F6A7B
	sum := digest.FromString(key.String()).Encoded()

	parts := []string{fsRepo.cfg.Basedir, fsRepo.bucket}
	for i := 0; i < dirPrefixDepth; i++ {
		parts = append(parts, sum[i*dirPrefixLength:(i+1)*dirPrefixLength])
	}

	return filepath.Join(append(parts, key.String())...)
}

// GetFilename returns the full filesystem path of the body of the blob with the given key.
func (fsRepo *FileSystemRepository) GetFilename(key domain.BlobKey) string {
	return fsRepo.getBasename(key) + bodySuffix
}

func (fsRepo *FileSystemRepository) getMetaFilename(key domain.BlobKey) string {
	return fsRepo.getBasename(key) + metaSuffix
}

// storeBlob commits the sidecar first and the body last, each by linking a complete
// temporary file to its final name. Linking fails on an existing name, so an object is
// written once. The body link is the commit point: a blob whose body exists is complete.
// A sidecar left without a body is taken over only by a writer of the same content.
func (fsRepo *FileSystemRepository) storeBlob(ctx context.Context, blob *domain.Blob) (err error) {
	defer func() {
		log := fsRepo.log.With(logging.Group("blob", "key", blob.Key))
		if err != nil {
			log.ErrorContext(ctx, "blob store failed", "error", err)
		} else {
			log.DebugContext(ctx, "blob stored", logging.Bytes("size", blob.Size()))
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	if err := blob.Key.Validate(); err != nil {
		return err
	}

	filename := fsRepo.GetFilename(blob.Key)
	metaFilename := fsRepo.getMetaFilename(blob.Key)

	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrBlobExists, blob.Key)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("mkdir all: %w", err)
	}

	meta := blobMeta{
		ContentType: blob.ContentType,
		Size:        blob.Size(),
		Digest:      digest.FromBytes(blob.Body),
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	if err := fsRepo.commitMeta(blob.Key, metaFilename, metaData, meta.Digest); err != nil {
		return err
	}

	if err := writeFileOnce(filename, blob.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return nil
}

// commitMeta links the sidecar into place. An existing sidecar is accepted when it
// describes the same content.
func (fsRepo *FileSystemRepository) commitMeta(
	key domain.BlobKey,
	metaFilename string,
	data []byte,
	want digest.Digest,
) error {
	err := writeFileOnce(metaFilename, data)
	if !errors.Is(err, domain.ErrBlobExists) {
		if err != nil {
			return fmt.Errorf("write meta: %w", err)
		}

		return nil
	}

	existing, readErr := fsRepo.readMeta(key)
	if readErr != nil {
		return readErr
	}

	if existing == nil || existing.Digest != want {
		return fmt.Errorf("%w: %s", domain.ErrBlobExists, key)
	}

	return nil
}

func (fsRepo *FileSystemRepository) fetchBlob(ctx context.Context, key domain.BlobKey) (blob *domain.Blob, err error) {
	defer func() {
		log := fsRepo.log.With(logging.Group("blob", "key", key))
		if err != nil {
			log.ErrorContext(ctx, "blob fetch failed", "error", err)
		} else {
			log.DebugContext(ctx, "blob fetched", logging.Bytes("size", blob.Size()))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	if err := key.Validate(); err != nil {
		return nil, err
	}

	body, err := os.ReadFile(fsRepo.GetFilename(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Join(domain.ErrBlobNotFound, err)
	} else if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	meta, err := fsRepo.readMeta(key)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		// objects placed into the bucket by other means carry no sidecar
		return domain.NewBlob(key, body, ""), nil
	}

	if meta.Size != int64(len(body)) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrBytesWrittenMismatch, meta.Size, len(body))
	}

	if meta.Digest != "" {
		if err := meta.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("meta digest: %w", err)
		}

		if got := digest.FromBytes(body); got != meta.Digest {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, meta.Digest, got)
		}
	}

	return domain.NewBlob(key, body, meta.ContentType), nil
}

func (fsRepo *FileSystemRepository) readMeta(key domain.BlobKey) (*blobMeta, error) {
	data, err := os.ReadFile(fsRepo.getMetaFilename(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil
	} else if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var meta blobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}

	return &meta, nil
}

// writeFileOnce writes data to a temporary file next to filename and links it into place.
// Returns domain.ErrBlobExists if filename already exists.
func writeFileOnce(filename string, data []byte) (err error) {
	file, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	tmpname := file.Name()

	defer func() {
		if err != nil {
			_ = file.Close()
		}

		_ = os.Remove(tmpname)
	}()

	n, err := file.Write(data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	} else if n != len(data) {
		return fmt.Errorf("%w: expected %d, got %d", ErrBytesWrittenMismatch, len(data), n)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := file.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Link(tmpname, filename); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errors.Join(domain.ErrBlobExists, err)
		}

		return fmt.Errorf("link: %w", err)
	}

	return nil
}
