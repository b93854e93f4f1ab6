package imagesvc

// ImageConfig holds configuration parameters for the image service.
type ImageConfig struct {
	// Interpolator specifies the image scaling algorithm to use.
	// Valid values are: "nearestneighbor", "catmullrom", "bilinear", "approxbilinear"
	Interpolator string `env:"INTERPOLATOR" default:"catmullrom"`

	// KeyEncoding selects how content keys are derived: "legacy" or "delimited".
	// Keys of the two encodings differ, switching orphans every existing derived image.
	KeyEncoding string `env:"KEY_ENCODING" default:"legacy"`

	// MaxPixels bounds both the decoded source raster and the requested output raster.
	MaxPixels uint64 `env:"MAX_PIXELS" default:"100000000"`

	// EventConcurrency is the number of object-created records processed at once.
	EventConcurrency int `env:"EVENT_CONCURRENCY" default:"4"`
}
