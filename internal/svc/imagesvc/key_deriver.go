package imagesvc

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mkrupp/resizecache/internal/domain"
)

const (
	KeyEncodingLegacy    = "legacy"
	KeyEncodingDelimited = "delimited"
)

// ErrUnknownKeyEncoding is returned when an unsupported key encoding is specified.
var ErrUnknownKeyEncoding = errors.New("unknown key encoding")

// KeyDeriver maps a source image and a transform to the content key of the result.
// It must be deterministic: equal inputs always give equal keys.
type KeyDeriver func(sourceID string, spec domain.TransformSpec) domain.ContentKey

//nolint:gochecknoglobals
var keyDerivers = map[string]KeyDeriver{
	KeyEncodingLegacy:    DeriveKeyLegacy,
	KeyEncodingDelimited: DeriveKeyDelimited,
}

// GetKeyDeriverByName returns the KeyDeriver of the named encoding.
func GetKeyDeriverByName(name string) (KeyDeriver, error) {
	deriver, ok := keyDerivers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyEncoding, name)
	}

	return deriver, nil
}

// DeriveKeyLegacy digests the source id followed by the decimal height and width
// without separators. It matches keys stored by earlier deployments.
//
// Different dimension pairs can concatenate to the same text (h=12,w=3 and h=1,w=23
// both digest "123") and therefore share a key.
func DeriveKeyLegacy(sourceID string, spec domain.TransformSpec) domain.ContentKey {
	hash := sha1.New() //nolint:gosec
	hash.Write([]byte(sourceID))
	hash.Write([]byte(strconv.FormatUint(uint64(spec.Height), 10)))
	hash.Write([]byte(strconv.FormatUint(uint64(spec.Width), 10)))

	return encodeKey(hash.Sum(nil))
}

// DeriveKeyDelimited digests a length-prefixed source id and labelled dimensions,
// making the encoding injective.
func DeriveKeyDelimited(sourceID string, spec domain.TransformSpec) domain.ContentKey {
	hash := sha1.New() //nolint:gosec
	fmt.Fprintf(hash, "%d:%s|h=%d|w=%d", len(sourceID), sourceID, spec.Height, spec.Width)

	return encodeKey(hash.Sum(nil))
}

func encodeKey(sum []byte) domain.ContentKey {
	return domain.ContentKey(strings.ToUpper(hex.EncodeToString(sum)))
}
