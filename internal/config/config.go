// Package config provides configuration types for the extractor.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Common errors.
var (
	ErrMissingSource = errors.New("a HAR capture or manifest source is required")
	ErrInvalidIVMode = errors.New("invalid IV mode")
	ErrInvalidIV     = errors.New("fixed IV mode requires a 16-byte hex IV")
)

// Config holds all application configuration. Precedence, lowest first:
// defaults, profile file, environment, flags.
type Config struct {
	// Input
	HARPath     string `toml:"-"`
	CookiesFile string `toml:"cookies_file"`

	// Output
	Output    string `toml:"-"`
	Overwrite bool   `toml:"overwrite"`
	Convert   bool   `toml:"convert"`

	// Fetch settings
	Concurrency    int           `toml:"concurrency"`
	MaxAttempts    int           `toml:"max_attempts"`
	RetryBaseDelay time.Duration `toml:"-"`
	RetryMaxDelay  time.Duration `toml:"-"`
	Timeout        time.Duration `toml:"-"`
	MaxBandwidth   int64         `toml:"max_bandwidth"` // bytes per second, 0 = unlimited

	// HTTP settings
	Headers map[string]string `toml:"headers"`

	// Provider
	Provider Provider `toml:"provider"`

	// UI/Logging
	NoProgress  bool   `toml:"no_progress"`
	Verbose     bool   `toml:"verbose"`
	LogLevel    string `toml:"log_level"`
	LogFile     string `toml:"log_file"`
	ShowVersion bool   `toml:"-"`
}

// Provider describes how one streaming provider exposes its manifest and
// derives IVs.
type Provider struct {
	Name              string `toml:"name"`
	ManifestPattern   string `toml:"manifest_pattern"`
	ExcludePattern    string `toml:"exclude_pattern"`
	AllowUntyped      bool   `toml:"allow_untyped"` // match manifests without a Content-Type
	PreferredLabel    string `toml:"preferred_label"`
	PreferredLanguage string `toml:"preferred_language"`
	IVMode            string `toml:"iv_mode"` // manifest, fixed, sequence
	FixedIV           string `toml:"fixed_iv"`
}

// Default configuration values.
const (
	DefaultConcurrency    = 6
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 8 * time.Second
	DefaultTimeout        = 60 * time.Second
	DefaultLabel          = "OriginalAudio"
	DefaultIVMode         = "manifest"
	DefaultLogLevel       = "info"

	MinConcurrency = 1
	MaxConcurrency = 32
	MaxAttempts    = 20
)

// EnvPrefix prefixes every environment variable the extractor reads.
const EnvPrefix = "SEALDASH_"

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		Concurrency:    DefaultConcurrency,
		MaxAttempts:    DefaultMaxAttempts,
		RetryBaseDelay: DefaultRetryBaseDelay,
		RetryMaxDelay:  DefaultRetryMaxDelay,
		Timeout:        DefaultTimeout,
		Headers:        make(map[string]string),
		Provider: Provider{
			PreferredLabel: DefaultLabel,
			IVMode:         DefaultIVMode,
		},
		LogLevel: DefaultLogLevel,
	}
}

// LoadFile overlays a TOML profile. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open config")
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// LoadEnv overlays SEALDASH_* variables, reading them from the given .env
// files first when they exist. Variables already set in the environment win
// over the files.
func (c *Config) LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return errors.Wrap(err, "load env file")
		}
	}

	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	if value := env("COOKIES"); value != "" {
		c.CookiesFile = value
	}
	if value := env("CONCURRENCY"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("%sCONCURRENCY is not a valid integer: %q", EnvPrefix, value)
		}
		c.Concurrency = n
	}
	if value := env("MAX_ATTEMPTS"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("%sMAX_ATTEMPTS is not a valid integer: %q", EnvPrefix, value)
		}
		c.MaxAttempts = n
	}
	if value := env("RETRY_BASE_DELAY"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "%sRETRY_BASE_DELAY", EnvPrefix)
		}
		c.RetryBaseDelay = d
	}
	if value := env("RETRY_MAX_DELAY"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "%sRETRY_MAX_DELAY", EnvPrefix)
		}
		c.RetryMaxDelay = d
	}
	if value := env("TIMEOUT"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "%sTIMEOUT", EnvPrefix)
		}
		c.Timeout = d
	}
	if value := env("MAX_BANDWIDTH"); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Errorf("%sMAX_BANDWIDTH is not a valid integer: %q", EnvPrefix, value)
		}
		c.MaxBandwidth = n
	}
	if value := env("IV_MODE"); value != "" {
		c.Provider.IVMode = value
	}
	if value := env("FIXED_IV"); value != "" {
		c.Provider.FixedIV = value
	}
	if value := env("LABEL"); value != "" {
		c.Provider.PreferredLabel = value
	}
	if value := env("LANGUAGE"); value != "" {
		c.Provider.PreferredLanguage = value
	}
	if value := env("MANIFEST_PATTERN"); value != "" {
		c.Provider.ManifestPattern = value
	}
	if value := env("LOG_LEVEL"); value != "" {
		c.LogLevel = value
	}
	if value := env("LOG_FILE"); value != "" {
		c.LogFile = value
	}
	return nil
}

// Validate checks if the command configuration is valid and normalizes
// values.
func (c *Config) Validate() error {
	if c.HARPath == "" {
		return ErrMissingSource
	}
	return c.Normalize()
}

// Normalize clamps fetch settings and checks the IV configuration. It is
// what library callers get, since they push exchanges themselves.
func (c *Config) Normalize() error {
	// Clamp to valid ranges
	if c.Concurrency < MinConcurrency {
		c.Concurrency = MinConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.MaxAttempts > MaxAttempts {
		c.MaxAttempts = MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.MaxBandwidth < 0 {
		c.MaxBandwidth = 0
	}

	c.Provider.IVMode = strings.ToLower(strings.TrimSpace(c.Provider.IVMode))
	switch c.Provider.IVMode {
	case "":
		c.Provider.IVMode = DefaultIVMode
	case "manifest", "sequence":
	case "fixed":
		iv := strings.TrimPrefix(strings.ToLower(c.Provider.FixedIV), "0x")
		if len(iv) != 32 {
			return ErrInvalidIV
		}
	default:
		return errors.Wrapf(ErrInvalidIVMode, "%q (want manifest, fixed or sequence)", c.Provider.IVMode)
	}

	// Initialize headers map if nil
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}

	return nil
}

// FixedIVBytes decodes the configured fixed IV. It returns nil when the IV
// mode is not fixed.
func (c *Config) FixedIVBytes() ([]byte, error) {
	if c.Provider.IVMode != "fixed" {
		return nil, nil
	}
	iv, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(c.Provider.FixedIV), "0x"))
	if err != nil || len(iv) != 16 {
		return nil, ErrInvalidIV
	}
	return iv, nil
}
