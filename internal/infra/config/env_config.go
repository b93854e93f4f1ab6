package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrInvalidConfig is returned when the provided config is not a pointer to a struct
	// that embeds EnvConfig.
	ErrInvalidConfig = errors.New("config must be a pointer to a struct embedding EnvConfig")

	// ErrVarNotSet is returned when a required environment variable is not set and has no default.
	ErrVarNotSet = errors.New("env var not set")

	// ErrUnsupportedVarType is returned when trying to parse an environment variable
	// into an unsupported Go type.
	ErrUnsupportedVarType = errors.New("unsupported env var type")
)

//nolint:gochecknoglobals
var (
	envConfigType = reflect.TypeOf(EnvConfig{}) //nolint:exhaustruct
	durationType  = reflect.TypeOf(time.Duration(0))
)

// EnvConfig must be embedded in configuration structs passed to Parse.
type EnvConfig struct {
	namespace string
}

// Namespace returns the namespace the config was parsed with.
func (c EnvConfig) Namespace() string {
	return c.namespace
}

func getEnvConfig(cfg any) (*EnvConfig, error) {
	ptr := reflect.ValueOf(cfg)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		return nil, ErrInvalidConfig
	}

	value := ptr.Elem()

	for i := range value.NumField() {
		field := value.Type().Field(i)
		if !field.Anonymous || field.Type != envConfigType {
			continue
		}

		envConfig, ok := value.Field(i).Addr().Interface().(*EnvConfig)
		if ok {
			return envConfig, nil
		}
	}

	return nil, ErrInvalidConfig
}

// Parse loads configuration values from environment variables into the provided struct.
// The struct must embed EnvConfig and use `env` tags to specify variable names; nested
// structs extend the name with their `envPrefix` tag.
//
// A variable is looked up under the full namespace first, then under each shorter
// namespace prefix: for namespace "APP_SVC", prefix "HTTP_" and tag "ADDR" the names
// APP_SVC_HTTP_ADDR and APP_HTTP_ADDR are tried. The unprefixed name is read only for
// an empty namespace. Unset variables take their `default` tag, if any.
//
// Supports string, signed and unsigned integer, float, bool and time.Duration fields.
// Integer fields tagged `size:"true"` accept human-readable byte sizes ("10MiB").
func Parse(_ context.Context, cfg any, namespace string) error {
	envConfig, err := getEnvConfig(cfg)
	if err != nil {
		return fmt.Errorf("get env config: %w", err)
	}

	envConfig.namespace = namespace

	return parseStruct(namespace, "", reflect.ValueOf(cfg).Elem())
}

func parseStruct(namespace, prefix string, value reflect.Value) error {
	for i := range value.NumField() {
		field := value.Type().Field(i)

		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			if err := parseStruct(namespace, prefix+field.Tag.Get("envPrefix"), value.Field(i)); err != nil {
				return err
			}

			continue
		}

		if err := parseField(namespace, prefix, field, value.Field(i)); err != nil {
			return fmt.Errorf("parse field: %w", err)
		}
	}

	return nil
}

// envCandidates lists the variable names tried for tag, most specific first.
func envCandidates(namespace, prefix, tag string) []string {
	if namespace == "" {
		return []string{prefix + tag}
	}

	parts := strings.Split(namespace, "_")
	names := make([]string, 0, len(parts))

	for i := len(parts); i > 0; i-- {
		names = append(names, strings.Join(parts[:i], "_")+"_"+prefix+tag)
	}

	return names
}

func lookupEnv(names []string) (string, bool) {
	for _, name := range names {
		if value, ok := os.LookupEnv(name); ok {
			return value, true
		}
	}

	return "", false
}

func parseField(namespace, prefix string, field reflect.StructField, target reflect.Value) error {
	envTag := field.Tag.Get("env")
	if envTag == "" {
		return nil
	}

	names := envCandidates(namespace, prefix, envTag)

	envValue, ok := lookupEnv(names)
	if !ok {
		envValue, ok = field.Tag.Lookup("default")
		if !ok {
			return fmt.Errorf("%w: %s", ErrVarNotSet, strings.Join(names, " or "))
		}
	}

	if field.Tag.Get("size") == "true" {
		return setSize(names[0], envValue, target)
	}

	return setValue(names[0], envValue, target)
}

//nolint:cyclop
func setValue(name, envValue string, target reflect.Value) error {
	var err error

	switch kind := target.Kind(); {
	case target.Type() == durationType:
		var duration time.Duration

		duration, err = time.ParseDuration(envValue)
		target.SetInt(int64(duration))
	case kind == reflect.String:
		target.SetString(envValue)
	case kind >= reflect.Int && kind <= reflect.Int64:
		var n int64

		n, err = strconv.ParseInt(envValue, 10, target.Type().Bits())
		target.SetInt(n)
	case kind >= reflect.Uint && kind <= reflect.Uint64:
		var n uint64

		n, err = strconv.ParseUint(envValue, 10, target.Type().Bits())
		target.SetUint(n)
	case kind == reflect.Float32 || kind == reflect.Float64:
		var f float64

		f, err = strconv.ParseFloat(envValue, target.Type().Bits())
		target.SetFloat(f)
	case kind == reflect.Bool:
		var b bool

		b, err = strconv.ParseBool(envValue)
		target.SetBool(b)
	default:
		return fmt.Errorf("%w: %s (%v)", ErrUnsupportedVarType, name, kind)
	}

	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", name, err)
	}

	return nil
}

func setSize(name, envValue string, target reflect.Value) error {
	size, err := humanize.ParseBytes(envValue)
	if err != nil {
		return fmt.Errorf("invalid size for %s: %w", name, err)
	}

	//nolint:exhaustive
	switch target.Kind() {
	case reflect.Int, reflect.Int64:
		if size > uint64(1<<63-1) {
			return fmt.Errorf("invalid size for %s: %s overflows", name, envValue)
		}

		target.SetInt(int64(size))
	case reflect.Uint, reflect.Uint64:
		target.SetUint(size)
	default:
		return fmt.Errorf("%w: %s (size tag on %v)", ErrUnsupportedVarType, name, target.Kind())
	}

	return nil
}
