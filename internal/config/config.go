// Package config loads the optional rangefetch YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/rangefetch/internal/utils"
	"gopkg.in/yaml.v3"
)

const defaultReadBufferKB = utils.DefaultBufferSize / 1024

type Config struct {
	// TimeoutMs bounds a whole download; 0 disables the timeout.
	TimeoutMs    int64      `yaml:"timeout_ms" validate:"gte=0"`
	ReadBufferKB int        `yaml:"read_buffer_kb" validate:"gte=1,lte=65536"`
	Concurrency  int        `yaml:"concurrency" validate:"gte=0,lte=1024"`
	HTTP         HTTPConfig `yaml:"http"`
}

type HTTPConfig struct {
	UserAgent             string            `yaml:"user_agent"`
	Proxy                 string            `yaml:"proxy" validate:"omitempty,url"`
	ProxyUsername         string            `yaml:"proxy_username" validate:"required_with=ProxyPassword"`
	ProxyPassword         string            `yaml:"proxy_password"`
	Headers               map[string]string `yaml:"headers" validate:"dive,keys,required,endkeys"`
	ConnectTimeout        time.Duration     `yaml:"connect_timeout" validate:"gte=0"`
	ResponseHeaderTimeout time.Duration     `yaml:"response_header_timeout" validate:"gte=0"`
	KeepAliveTimeout      time.Duration     `yaml:"keep_alive_timeout" validate:"gte=0"`
	TransportRetries      int               `yaml:"transport_retries" validate:"gte=0,lte=10"`
	HighThreadMode        bool              `yaml:"high_thread_mode"`
}

func Default() Config {
	return Config{
		ReadBufferKB: defaultReadBufferKB,
		HTTP: HTTPConfig{
			ConnectTimeout:        30 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			KeepAliveTimeout:      60 * time.Second,
		},
	}
}

// DefaultPath is $HOME/.config/rangefetch/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rangefetch", "config.yaml")
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Config loaded")
	return cfg, nil
}

// LoadDefault loads DefaultPath, falling back to Default when no file exists.
func LoadDefault() (Config, error) {
	path := DefaultPath()
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) BufferSize() int {
	return c.ReadBufferKB * 1024
}

func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		ConnectTimeout:        c.HTTP.ConnectTimeout,
		ResponseHeaderTimeout: c.HTTP.ResponseHeaderTimeout,
		KATimeout:             c.HTTP.KeepAliveTimeout,
		ProxyURL:              c.HTTP.Proxy,
		ProxyUsername:         c.HTTP.ProxyUsername,
		ProxyPassword:         c.HTTP.ProxyPassword,
		UserAgent:             c.HTTP.UserAgent,
		Headers:               c.HTTP.Headers,
		Retries:               c.HTTP.TransportRetries,
		HighThreadMode:        c.HTTP.HighThreadMode,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is a single invalid setting.
type FieldError struct {
	Field string
	Err   string
}

type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

// Fields lists the invalid settings by their YAML path.
func (fe FieldErrors) Fields() []string {
	fields := make([]string, len(fe))
	for i, f := range fe {
		fields[i] = f.Field
	}
	return fields
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return err
	}
	fields := make(FieldErrors, 0, len(verrors))
	for _, verror := range verrors {
		fields = append(fields, FieldError{
			Field: fieldPath(verror.Namespace()),
			Err:   messageForTag(verror),
		})
	}
	return fields
}

// fieldPath drops the root struct name: "Config.http.proxy" -> "http.proxy".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func messageForTag(verror validator.FieldError) string {
	switch verror.Tag() {
	case "gte":
		return "must be at least " + verror.Param()
	case "lte":
		return "must be at most " + verror.Param()
	case "url":
		return "must be a valid URL"
	case "required":
		return "is required"
	case "required_with":
		return "is required when proxy_password is set"
	default:
		return "failed " + verror.Tag() + " validation"
	}
}
