package imagesvc

import (
	"bytes"
	"fmt"

	"github.com/mkrupp/resizecache/internal/domain"
)

const (
	MIMETypeJPEG = "image/jpeg"
	MIMETypePNG  = domain.ContentTypePNG
	MIMETypeGIF  = "image/gif"
	MIMETypeBMP  = "image/bmp"
	MIMETypeTIFF = "image/tiff"
	MIMETypeWebP = "image/webp"
)

type imageSignature struct {
	mimeType string
	match    func(data []byte) bool
}

func hasPrefix(prefixes ...string) func([]byte) bool {
	return func(data []byte) bool {
		for _, prefix := range prefixes {
			if bytes.HasPrefix(data, []byte(prefix)) {
				return true
			}
		}

		return false
	}
}

//nolint:gochecknoglobals
var imageSignatures = []imageSignature{
	{MIMETypeJPEG, hasPrefix("\xFF\xD8\xFF")},
	{MIMETypePNG, hasPrefix("\x89\x50\x4E\x47\x0D\x0A\x1A\x0A")},
	{MIMETypeGIF, hasPrefix("GIF87a", "GIF89a")},
	{MIMETypeBMP, hasPrefix("BM")},
	{MIMETypeTIFF, hasPrefix("\x49\x49\x2A\x00", "\x4D\x4D\x00\x2A")},
	{MIMETypeWebP, func(data []byte) bool {
		return len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP"
	}},
}

// DetectImageType returns the MIME type of the image in data, judged by its header.
// Returns domain.ErrImageTypeUnsupported if data is not one of the decodable formats.
func DetectImageType(data []byte) (string, error) {
	for _, signature := range imageSignatures {
		if signature.match(data) {
			return signature.mimeType, nil
		}
	}

	head := data
	if len(head) > 8 {
		head = head[:8]
	}

	return "", fmt.Errorf("%w: header %q", domain.ErrImageTypeUnsupported, head)
}
