package uploadsvc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/mkrupp/resizecache/internal/domain"
)

// sign computes the base64url HMAC-SHA256 of an upload of objectID into bucket.
func (s *UploadService) sign(bucket, objectID, expires string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte("PUT\n" + bucket + "\n" + objectID + "\n" + expires))

	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify implements PresignedUploadIssuer.Verify. The signature is checked before
// the expiry, so only authentic URLs are reported as expired.
func (s *UploadService) Verify(
	ctx context.Context,
	bucket string,
	objectID string,
	expires string,
	signature string,
) (err error) {
	defer func() {
		if err != nil {
			s.log.WarnContext(ctx, "verify upload url failed", "error", err, "filename", objectID)
		}
	}()

	if objectID == "" || expires == "" || signature == "" {
		return fmt.Errorf("%w: missing parameters", domain.ErrInvalidSignature)
	}

	provided, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: decode: %w", domain.ErrInvalidSignature, err)
	}

	expected, _ := base64.RawURLEncoding.DecodeString(s.sign(bucket, objectID, expires))
	if !hmac.Equal(provided, expected) {
		return domain.ErrInvalidSignature
	}

	expiresAt, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: expires: %w", domain.ErrInvalidSignature, err)
	}

	if s.now().Unix() > expiresAt {
		return fmt.Errorf("%w: at %d", domain.ErrUploadExpired, expiresAt)
	}

	return nil
}
