package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	if c.Concurrency != DefaultConcurrency || c.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("defaults: concurrency %d attempts %d", c.Concurrency, c.MaxAttempts)
	}
	if c.Provider.PreferredLabel != "OriginalAudio" || c.Provider.IVMode != "manifest" {
		t.Errorf("provider defaults = %+v", c.Provider)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		check   func(t *testing.T, c *Config)
		wantErr error
	}{
		{
			name:    "missing source",
			mutate:  func(c *Config) { c.HARPath = "" },
			wantErr: ErrMissingSource,
		},
		{
			name:   "clamps concurrency high",
			mutate: func(c *Config) { c.Concurrency = 500 },
			check: func(t *testing.T, c *Config) {
				if c.Concurrency != MaxConcurrency {
					t.Errorf("Concurrency = %d, want %d", c.Concurrency, MaxConcurrency)
				}
			},
		},
		{
			name:   "clamps concurrency low",
			mutate: func(c *Config) { c.Concurrency = 0 },
			check: func(t *testing.T, c *Config) {
				if c.Concurrency != MinConcurrency {
					t.Errorf("Concurrency = %d, want %d", c.Concurrency, MinConcurrency)
				}
			},
		},
		{
			name:   "clamps attempts and delays",
			mutate: func(c *Config) { c.MaxAttempts = -3; c.RetryBaseDelay = 2 * time.Second; c.RetryMaxDelay = time.Second },
			check: func(t *testing.T, c *Config) {
				if c.MaxAttempts != 1 {
					t.Errorf("MaxAttempts = %d, want 1", c.MaxAttempts)
				}
				if c.RetryMaxDelay != 2*time.Second {
					t.Errorf("RetryMaxDelay = %v, want 2s", c.RetryMaxDelay)
				}
			},
		},
		{
			name:   "normalizes iv mode",
			mutate: func(c *Config) { c.Provider.IVMode = " Sequence " },
			check: func(t *testing.T, c *Config) {
				if c.Provider.IVMode != "sequence" {
					t.Errorf("IVMode = %q", c.Provider.IVMode)
				}
			},
		},
		{
			name:    "unknown iv mode",
			mutate:  func(c *Config) { c.Provider.IVMode = "random" },
			wantErr: ErrInvalidIVMode,
		},
		{
			name:    "fixed without iv",
			mutate:  func(c *Config) { c.Provider.IVMode = "fixed" },
			wantErr: ErrInvalidIV,
		},
		{
			name: "fixed with iv",
			mutate: func(c *Config) {
				c.Provider.IVMode = "fixed"
				c.Provider.FixedIV = "0x000102030405060708090a0b0c0d0e0f"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			c.HARPath = "session.har"
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr != nil {
				if errors.Cause(err) != tt.wantErr {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealdash.toml")
	profile := `
concurrency = 12
max_bandwidth = 1048576

[headers]
Referer = "https://contoso.sharepoint.com/"

[provider]
name = "sharepoint"
preferred_label = "OriginalAudio"
preferred_language = "it"
iv_mode = "sequence"
`
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if c.Concurrency != 12 || c.MaxBandwidth != 1<<20 {
		t.Errorf("concurrency %d bandwidth %d", c.Concurrency, c.MaxBandwidth)
	}
	if c.Headers["Referer"] != "https://contoso.sharepoint.com/" {
		t.Errorf("Headers = %v", c.Headers)
	}
	if c.Provider.Name != "sharepoint" || c.Provider.IVMode != "sequence" || c.Provider.PreferredLanguage != "it" {
		t.Errorf("Provider = %+v", c.Provider)
	}
	if c.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, defaults should survive", c.MaxAttempts)
	}

	if err := New().LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Errorf("LoadFile(missing) error = %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "SEALDASH_CONCURRENCY=9\nSEALDASH_LABEL=FromFile\nSEALDASH_TIMEOUT=15s\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// Keys godotenv sets must not leak into other tests.
	for _, k := range []string{"CONCURRENCY", "LABEL", "TIMEOUT"} {
		t.Setenv(EnvPrefix+k, "")
		os.Unsetenv(EnvPrefix + k)
	}
	t.Setenv(EnvPrefix+"LABEL", "FromEnv")
	t.Setenv(EnvPrefix+"IV_MODE", "fixed")
	t.Setenv(EnvPrefix+"FIXED_IV", "00000000000000000000000000000001")

	c := New()
	if err := c.LoadEnv(envFile, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if c.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want 9 from .env", c.Concurrency)
	}
	if c.Provider.PreferredLabel != "FromEnv" {
		t.Errorf("PreferredLabel = %q, environment should win over .env", c.Provider.PreferredLabel)
	}
	if c.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}
	if c.Provider.IVMode != "fixed" || c.Provider.FixedIV == "" {
		t.Errorf("Provider = %+v", c.Provider)
	}
}

func TestLoadEnvRejectsBadValues(t *testing.T) {
	t.Setenv(EnvPrefix+"CONCURRENCY", "many")
	if err := New().LoadEnv(); err == nil {
		t.Error("LoadEnv() should reject a non-integer concurrency")
	}
}

func TestNormalizeWithoutSource(t *testing.T) {
	c := New()
	c.Concurrency = 100
	if err := c.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if c.Concurrency != MaxConcurrency {
		t.Errorf("Concurrency = %d, want %d", c.Concurrency, MaxConcurrency)
	}
}

func TestFixedIVBytes(t *testing.T) {
	c := New()
	if iv, err := c.FixedIVBytes(); iv != nil || err != nil {
		t.Errorf("manifest mode: FixedIVBytes() = %x, %v", iv, err)
	}

	c.Provider.IVMode = "fixed"
	c.Provider.FixedIV = "0x000102030405060708090A0B0C0D0E0F"
	iv, err := c.FixedIVBytes()
	if err != nil {
		t.Fatalf("FixedIVBytes() error = %v", err)
	}
	if len(iv) != 16 || iv[10] != 0x0a {
		t.Errorf("FixedIVBytes() = %x", iv)
	}

	c.Provider.FixedIV = "zz"
	if _, err := c.FixedIVBytes(); !errors.Is(err, ErrInvalidIV) {
		t.Errorf("FixedIVBytes() error = %v, want ErrInvalidIV", err)
	}
}
