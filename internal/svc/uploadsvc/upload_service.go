package uploadsvc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/logging"
)

const (
	// UploadPath is the route prefix of signed upload URLs.
	UploadPath = "/uploads/"

	ParamExpires   = "expires"
	ParamSignature = "signature"
)

// UploadConfig contains configuration parameters for the upload service.
type UploadConfig struct {
	// BaseURL is the externally visible address upload URLs are built on
	BaseURL string `env:"BASE_URL" default:"http://localhost:8080"`

	// SigningKeyFile is the path to the upload signing key, created if missing
	SigningKeyFile string `env:"SIGNING_KEY_FILE" default:"var/storage/upload.key"`
}

// PresignedUploadIssuer issues and verifies time-limited upload URLs.
type PresignedUploadIssuer interface {
	// Issue creates an upload URL for a new object of bucket, valid for ttl.
	Issue(ctx context.Context, bucket string, ttl time.Duration) (domain.UploadTarget, error)

	// Verify checks the expires and signature parameters of an upload request.
	// Returns domain.ErrInvalidSignature or domain.ErrUploadExpired on failure.
	Verify(ctx context.Context, bucket string, objectID string, expires string, signature string) error
}

// UploadService signs upload URLs with HMAC-SHA256.
type UploadService struct {
	baseURL string
	key     []byte
	now     func() time.Time
	log     logging.Logger
}

var _ PresignedUploadIssuer = (*UploadService)(nil)

// NewUploadService creates an UploadService signing with the key stored at cfg.SigningKeyFile.
func NewUploadService(cfg UploadConfig) (*UploadService, error) {
	key, err := GetSigningKey(cfg.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("get signing key: %w", err)
	}

	return NewUploadServiceWithKey(cfg.BaseURL, key), nil
}

// NewUploadServiceWithKey creates an UploadService signing with key.
func NewUploadServiceWithKey(baseURL string, key []byte) *UploadService {
	return &UploadService{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		now:     time.Now,
		log:     logging.GetLogger("svc.uploadsvc.upload_service"),
	}
}

// Issue implements PresignedUploadIssuer.Issue. The object id is a random UUIDv4.
func (s *UploadService) Issue(
	ctx context.Context,
	bucket string,
	ttl time.Duration,
) (target domain.UploadTarget, err error) {
	log := s.log.With(logging.Group("upload", "bucket", bucket, "ttl", ttl))

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "issue upload url failed", "error", err)
		} else {
			log.DebugContext(ctx, "upload url issued", "filename", target.Filename)
		}
	}()

	if bucket == "" {
		return domain.UploadTarget{}, fmt.Errorf("%w: bucket", domain.ErrMissingField)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return domain.UploadTarget{}, fmt.Errorf("new object id: %w", err)
	}

	objectID := id.String()
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)

	query := url.Values{}
	query.Set(ParamExpires, expires)
	query.Set(ParamSignature, s.sign(bucket, objectID, expires))

	return domain.UploadTarget{
		Target:   s.baseURL + UploadPath + url.PathEscape(objectID) + "?" + query.Encode(),
		Filename: objectID,
	}, nil
}
