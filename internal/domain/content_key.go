package domain

// ContentKey is the deterministic digest of a (source, spec) pair.
// It is both the derived blob's storage key and the index's secondary key.
type ContentKey string

// String returns the string representation of the ContentKey.
func (key ContentKey) String() string {
	return string(key)
}

// BlobKey returns the key under which the derived image is stored.
func (key ContentKey) BlobKey() BlobKey {
	return BlobKey(key)
}

// CacheRecord pairs a source with a content key produced for it.
// Its presence in the index is the only cache-hit signal.
type CacheRecord struct {
	SourceID  string
	Key       ContentKey
	CreatedAt int64 // Unix timestamp of the first insert
}
