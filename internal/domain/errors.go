package domain

import "errors"

// Failure kinds of the transform-and-cache pipeline. Callers match them with errors.Is.
var (
	// ErrDecode is returned when a raw image is malformed or its format is not supported.
	ErrDecode = errors.New("decode image")
	// ErrStorageRead is returned when a raw object is missing or cannot be read.
	ErrStorageRead = errors.New("storage read")
	// ErrStorageWrite is returned when a derived blob or an index record cannot be written.
	ErrStorageWrite = errors.New("storage write")
	// ErrIndexQuery is returned when an index lookup itself fails. A miss is not an error.
	ErrIndexQuery = errors.New("index query")
)

var (
	ErrInvalidTransformSpec = errors.New("invalid transform spec")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrBlobExists           = errors.New("blob already exists")
	ErrInvalidBlobKey       = errors.New("invalid blob key")
	ErrMissingField         = errors.New("missing field")
	ErrUnknownBucket        = errors.New("unknown bucket")
	ErrImageTooLarge        = errors.New("image too large")
	ErrImageTypeUnsupported = errors.New("image type not supported")
)

var (
	// ErrUnauthorized is returned when a request carries no or a wrong API key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidSignature is returned when an upload URL signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUploadExpired is returned when an upload URL is used after its expiry.
	ErrUploadExpired = errors.New("upload expired")
)

//nolint:gochecknoglobals
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrDecode, "decode_error"},
	{ErrStorageRead, "storage_read_error"},
	{ErrStorageWrite, "storage_write_error"},
	{ErrIndexQuery, "index_query_error"},
	{ErrInvalidTransformSpec, "invalid_transform_spec"},
	{ErrMissingField, "missing_field"},
	{ErrUnknownBucket, "unknown_bucket"},
	{ErrImageTooLarge, "image_too_large"},
	{ErrImageTypeUnsupported, "image_type_unsupported"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrUploadExpired, "upload_expired"},
	{ErrInvalidBlobKey, "invalid_blob_key"},
	{ErrBlobNotFound, "not_found"},
	{ErrBlobExists, "already_exists"},
}

// ErrorKind names the failure kind carried by err, or "internal" if it carries none.
// Pipeline kinds take precedence, so a missing raw object reports "storage_read_error".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return "internal"
}
