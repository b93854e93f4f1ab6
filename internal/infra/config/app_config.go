package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/mkrupp/resizecache/internal/domain"
	"github.com/mkrupp/resizecache/internal/infra/logging"
)

const (
	keyDefaultTransformations = "default_transformations"
	keyUploadTTL              = "upload_ttl"
	keyAPIKey                 = "api_key"
	keyRawBucket              = "raw_bucket"
	keyTransformedBucket      = "transformed_bucket"
	keyDBTable                = "db_table"

	defaultUploadTTL = 60 * time.Second
	defaultDBTable   = "transforms"
)

// AppConfig is the application document shared by the image service and its tools.
type AppConfig struct {
	// DefaultTransformations are applied to every newly uploaded raw image.
	DefaultTransformations []domain.TransformSpec
	// UploadTTL bounds the validity of presigned upload URLs.
	UploadTTL time.Duration
	// APIKey protects the service endpoints.
	APIKey string

	RawBucket         string
	TransformedBucket string
	DBTable           string
}

// ConfigProvider loads the AppConfig of an application.
type ConfigProvider interface {
	Fetch(ctx context.Context, appName string) (AppConfig, error)
}

// ViperConfigProvider reads `<appName>.{toml,yaml,json}` from its search paths and lets
// `<APPNAME>_<KEY>` environment variables override single keys. Documents are loaded
// once per application name.
type ViperConfigProvider struct {
	searchPaths []string

	mu    sync.Mutex
	cache map[string]AppConfig
}

var _ ConfigProvider = (*ViperConfigProvider)(nil)

// NewViperConfigProvider creates a provider searching the given directories in order.
func NewViperConfigProvider(searchPaths ...string) *ViperConfigProvider {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}

	return &ViperConfigProvider{
		searchPaths: searchPaths,
		mu:          sync.Mutex{},
		cache:       make(map[string]AppConfig),
	}
}

// Fetch returns the AppConfig for appName. Missing api key or bucket names are
// reported as domain.ErrMissingField.
func (p *ViperConfigProvider) Fetch(ctx context.Context, appName string) (cfg AppConfig, err error) {
	log := logging.GetLogger("infra.config.app_config").With("app", appName)

	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "fetch app config failed", "error", err)
		} else {
			log.DebugContext(ctx, "app config fetched",
				"rawBucket", cfg.RawBucket,
				"transformedBucket", cfg.TransformedBucket,
				"defaults", len(cfg.DefaultTransformations),
				"uploadTTL", cfg.UploadTTL,
			)
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[appName]; ok {
		return cached, nil
	}

	v := viper.New()
	v.SetConfigName(appName)

	for _, path := range p.searchPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyUploadTTL, int(defaultUploadTTL/time.Second))
	v.SetDefault(keyDBTable, defaultDBTable)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}

		log.DebugContext(ctx, "no config file found, using environment only")
	}

	cfg, err = decodeAppConfig(v)
	if err != nil {
		return AppConfig{}, err
	}

	p.cache[appName] = cfg

	return cfg, nil
}

func decodeAppConfig(v *viper.Viper) (AppConfig, error) {
	specs, err := decodeTransformations(v)
	if err != nil {
		return AppConfig{}, err
	}

	ttl := v.GetInt64(keyUploadTTL)
	if ttl <= 0 {
		return AppConfig{}, fmt.Errorf("%w: %s must be positive", domain.ErrMissingField, keyUploadTTL)
	}

	cfg := AppConfig{
		DefaultTransformations: specs,
		UploadTTL:              time.Duration(ttl) * time.Second,
		APIKey:                 v.GetString(keyAPIKey),
		RawBucket:              v.GetString(keyRawBucket),
		TransformedBucket:      v.GetString(keyTransformedBucket),
		DBTable:                v.GetString(keyDBTable),
	}

	for key, value := range map[string]string{
		keyAPIKey:            cfg.APIKey,
		keyRawBucket:         cfg.RawBucket,
		keyTransformedBucket: cfg.TransformedBucket,
		keyDBTable:           cfg.DBTable,
	} {
		if value == "" {
			return AppConfig{}, fmt.Errorf("%w: %s", domain.ErrMissingField, key)
		}
	}

	return cfg, nil
}

// decodeTransformations accepts a list of {width, height} tables from the document
// or a comma separated "WxH" list from the environment.
func decodeTransformations(v *viper.Viper) ([]domain.TransformSpec, error) {
	var specs []domain.TransformSpec

	switch raw := v.Get(keyDefaultTransformations).(type) {
	case nil:
		return nil, nil
	case string:
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}

			spec, err := domain.ParseTransformSpec(part)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", keyDefaultTransformations, err)
			}

			specs = append(specs, spec)
		}
	default:
		if err := v.UnmarshalKey(keyDefaultTransformations, &specs); err != nil {
			return nil, fmt.Errorf("%s: %w", keyDefaultTransformations, err)
		}
	}

	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", keyDefaultTransformations, i, err)
		}
	}

	return specs, nil
}
