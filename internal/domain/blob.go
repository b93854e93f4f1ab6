package domain

import (
	"fmt"
	"io"
	"strings"
)

const (
	ContentTypePNG    = "image/png"
	ContentTypeBinary = "application/octet-stream"
)

// BlobKey identifies an object inside a bucket.
// Raw objects use opaque upload ids, derived objects use their ContentKey.
type BlobKey string

// String returns the string representation of the BlobKey.
func (key BlobKey) String() string {
	return string(key)
}

// Validate rejects keys that cannot be mapped onto storage safely.
func (key BlobKey) Validate() error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidBlobKey)
	case key == "." || key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidBlobKey, key)
	case strings.ContainsAny(string(key), "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidBlobKey, key)
	}

	return nil
}

// Blob represents a stored object with its key, content and content type.
type Blob struct {
	Key         BlobKey
	Body        []byte
	ContentType string
}

// NewBlob creates a new Blob with the given key, content and content type.
func NewBlob(key BlobKey, body []byte, contentType string) *Blob {
	if contentType == "" {
		contentType = ContentTypeBinary
	}

	return &Blob{
		Key:         key,
		Body:        body,
		ContentType: contentType,
	}
}

// Size returns the size of the blob's content in bytes.
func (blob *Blob) Size() int64 {
	return int64(len(blob.Body))
}

// WriteTo writes the blob's content to the given writer.
func (blob *Blob) WriteTo(writer io.Writer) (int64, error) {
	n, err := writer.Write(blob.Body)
	if err != nil {
		return int64(n), fmt.Errorf("write: %w", err)
	}

	return int64(n), nil
}
