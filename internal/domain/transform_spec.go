package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TransformSpec describes a requested transformation of a source image.
// It has no identity beyond its field values.
type TransformSpec struct {
	Width  uint32 `json:"width"  mapstructure:"width"`
	Height uint32 `json:"height" mapstructure:"height"`
}

// NewTransformSpec returns a spec resizing to width x height.
func NewTransformSpec(width, height uint32) TransformSpec {
	return TransformSpec{Width: width, Height: height}
}

// Validate reports ErrInvalidTransformSpec if a dimension is zero.
func (spec TransformSpec) Validate() error {
	if spec.Width == 0 || spec.Height == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTransformSpec, spec)
	}

	return nil
}

// String returns the spec in WxH form.
func (spec TransformSpec) String() string {
	return fmt.Sprintf("%dx%d", spec.Width, spec.Height)
}

// ParseTransformSpec parses a spec in WxH form, e.g. "500x300".
func ParseTransformSpec(s string) (TransformSpec, error) {
	widthStr, heightStr, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return TransformSpec{}, fmt.Errorf("%w: %q is not WxH", ErrInvalidTransformSpec, s)
	}

	width, err := ParseDimension(widthStr)
	if err != nil {
		return TransformSpec{}, fmt.Errorf("width: %w", err)
	}

	height, err := ParseDimension(heightStr)
	if err != nil {
		return TransformSpec{}, fmt.Errorf("height: %w", err)
	}

	spec := NewTransformSpec(width, height)

	return spec, spec.Validate()
}

// ParseDimension parses a single positive pixel dimension.
func ParseDimension(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTransformSpec, err)
	}

	if v == 0 {
		return 0, fmt.Errorf("%w: dimension must be positive", ErrInvalidTransformSpec)
	}

	return uint32(v), nil
}
