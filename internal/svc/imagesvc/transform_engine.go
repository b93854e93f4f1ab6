package imagesvc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"  // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/mkrupp/resizecache/internal/domain"
)

// ErrUnknownInterpolator is returned when an unsupported interpolation method is specified.
var ErrUnknownInterpolator = errors.New("unknown interpolator")

//nolint:gochecknoglobals
var (
	// interpolMap maps interpolator names to their implementations.
	// Supported values: "nearestneighbor", "catmullrom", "bilinear", "approxbilinear".
	interpolMap = map[string]draw.Interpolator{
		"nearestneighbor": draw.NearestNeighbor,
		"catmullrom":      draw.CatmullRom,
		"bilinear":        draw.BiLinear,
		"approxbilinear":  draw.ApproxBiLinear,
	}
)

func getInterpolatorByName(name string) (draw.Interpolator, error) {
	interpol, ok := interpolMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterpolator, name)
	}

	return interpol, nil
}

// Transformer turns raw image bytes into a derived image.
type Transformer interface {
	Transform(raw []byte, spec domain.TransformSpec) ([]byte, error)
}

// TransformEngine decodes any registered format, scales to the exact requested size
// and encodes the result as PNG. Equal inputs produce byte-identical output.
type TransformEngine struct {
	interpol  draw.Interpolator
	maxPixels uint64
	encoder   *png.Encoder
}

var _ Transformer = (*TransformEngine)(nil)

// DefaultMaxPixels is the raster size limit used when none is configured.
const DefaultMaxPixels = 100_000_000

// NewTransformEngine creates a TransformEngine using the named interpolator.
// A maxPixels of zero selects DefaultMaxPixels.
func NewTransformEngine(interpolator string, maxPixels uint64) (*TransformEngine, error) {
	interpol, err := getInterpolatorByName(interpolator)
	if err != nil {
		return nil, fmt.Errorf("get interpolator: %w", err)
	}

	if maxPixels == 0 {
		maxPixels = DefaultMaxPixels
	}

	return &TransformEngine{
		interpol:  interpol,
		maxPixels: maxPixels,
		encoder:   &png.Encoder{CompressionLevel: png.DefaultCompression, BufferPool: nil},
	}, nil
}

// Transform resizes raw to spec without preserving the aspect ratio.
// Returns domain.ErrDecode if raw is not a decodable image and domain.ErrImageTooLarge
// if the source or the target exceeds the pixel limit.
func (engine *TransformEngine) Transform(raw []byte, spec domain.TransformSpec) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := engine.checkPixels(uint64(spec.Width), uint64(spec.Height)); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	config, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", errors.Join(domain.ErrDecode, err))
	}

	if err := engine.checkPixels(uint64(config.Width), uint64(config.Height)); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	original, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", errors.Join(domain.ErrDecode, err))
	}

	bitmap := image.NewNRGBA(image.Rect(0, 0, int(spec.Width), int(spec.Height)))
	engine.interpol.Scale(bitmap, bitmap.Bounds(), original, original.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := engine.encoder.Encode(&buf, bitmap); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	return buf.Bytes(), nil
}

func (engine *TransformEngine) checkPixels(width, height uint64) error {
	if width*height > engine.maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", domain.ErrImageTooLarge, width, height, engine.maxPixels)
	}

	return nil
}
