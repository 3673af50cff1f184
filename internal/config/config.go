// Package config loads node configuration for medvault from a YAML file, a .env file and
// MEDVAULT_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/monitoring"
)

const (
	DefaultDataDir   = ".medvault"
	DefaultStoreFile = "ledger.db"
	DefaultKEKFile   = "keys.db"
	DefaultBlobDir   = "blobs"
	DefaultKEKAlias  = "medvault_emergency_kek"

	// MaxKEKAliasLength bounds KEK aliases so every KMS provider accepts them.
	MaxKEKAliasLength = 256
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"

	BlobFile   = "file"
	BlobMemory = "memory"
	BlobBadger = "badger"
	BlobS3     = "s3"

	KMSLocal  = "local"
	KMSVault  = "vault"
	KMSAWS    = "awskms"
)

// Config is the data needed to assemble a node. It holds no behavior beyond validation.
type Config struct {
	// DataDir holds the ledger database, KEK metadata and file/badger blobs.
	DataDir string `yaml:"data_dir"`

	Store     string `yaml:"store"`
	StoreFile string `yaml:"store_file"`

	Blob BlobConfig `yaml:"blob"`

	KMS KMSConfig `yaml:"kms"`

	// Authorities may verify users and designate emergency providers.
	Authorities []string `yaml:"authorities"`

	RequestWindow   time.Duration `yaml:"request_window"`
	GrantDuration   time.Duration `yaml:"grant_duration"`
	EmergencyWindow time.Duration `yaml:"emergency_window"`

	// Cipher names the payload AEAD: "aes-256-gcm" or "xchacha20-poly1305".
	Cipher string `yaml:"cipher"`

	Retry RetryConfig `yaml:"retry"`

	Log LogConfig `yaml:"log"`
}

type BlobConfig struct {
	Backend string `yaml:"backend"`
	// Dir is relative to DataDir unless absolute.
	Dir      string `yaml:"dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"region"`
}

type KMSConfig struct {
	Provider string `yaml:"provider"`
	KEKAlias string `yaml:"kek_alias"`
	KEKFile  string `yaml:"kek_file"`
	Region   string `yaml:"region"`
	// TransitMount is the Vault Transit mount; the Vault address and credentials come
	// from the standard VAULT_* variables.
	TransitMount string `yaml:"transit_mount"`
}

type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration for a single node keeping everything under DataDir.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir,
		Store:           StoreSQLite,
		StoreFile:       DefaultStoreFile,
		Blob:            BlobConfig{Backend: BlobFile, Dir: DefaultBlobDir},
		KMS:             KMSConfig{Provider: KMSLocal, KEKAlias: DefaultKEKAlias, KEKFile: DefaultKEKFile},
		RequestWindow:   30 * 24 * time.Hour,
		GrantDuration:   30 * 24 * time.Hour,
		EmergencyWindow: 24 * time.Hour,
		Cipher:          crypto.AES256GCM.String(),
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialDelay:     100 * time.Millisecond,
			MaxDelay:         2 * time.Second,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate reports every invalid field at once, keyed by its YAML path.
func (c *Config) Validate() error {
	var errs errsx.Map

	if strings.TrimSpace(c.DataDir) == "" {
		errs.Set("data_dir", fmt.Errorf("is required"))
	}
	switch c.Store {
	case StoreSQLite:
		if c.StoreFile == "" {
			errs.Set("store_file", fmt.Errorf("is required for the sqlite store"))
		}
	case StoreMemory:
	default:
		errs.Set("store", fmt.Errorf("unknown store %q", c.Store))
	}

	switch c.Blob.Backend {
	case BlobFile, BlobBadger:
		if c.Blob.Dir == "" {
			errs.Set("blob.dir", fmt.Errorf("is required for the %s backend", c.Blob.Backend))
		}
	case BlobS3:
		if c.Blob.S3Bucket == "" {
			errs.Set("blob.s3_bucket", fmt.Errorf("is required for the s3 backend"))
		}
	case BlobMemory:
	default:
		errs.Set("blob.backend", fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}

	switch c.KMS.Provider {
	case KMSLocal, KMSVault, KMSAWS:
	default:
		errs.Set("kms.provider", fmt.Errorf("unknown KMS provider %q", c.KMS.Provider))
	}
	if err := validateAlias(c.KMS.KEKAlias); err != nil {
		errs.Set("kms.kek_alias", err)
	}

	for i, a := range c.Authorities {
		if strings.TrimSpace(a) == "" {
			errs.Set(fmt.Sprintf("authorities[%d]", i), fmt.Errorf("cannot be empty"))
		}
	}

	for key, d := range map[string]time.Duration{
		"request_window":   c.RequestWindow,
		"grant_duration":   c.GrantDuration,
		"emergency_window": c.EmergencyWindow,
	} {
		if d <= 0 {
			errs.Set(key, fmt.Errorf("must be positive, got %s", d))
		}
	}

	if _, err := crypto.ParseAlgorithm(c.Cipher); err != nil {
		errs.Set("cipher", err)
	}
	if c.Retry.MaxAttempts < 1 {
		errs.Set("retry.max_attempts", fmt.Errorf("must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if _, err := monitoring.ParseLogLevel(c.Log.Level); err != nil {
		errs.Set("log.level", err)
	}
	if _, err := monitoring.ParseLogFormat(c.Log.Format); err != nil {
		errs.Set("log.format", err)
	}

	return errs.AsError()
}

// validateAlias accepts alphanumerics, hyphens, underscores and forward slashes.
func validateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("cannot be empty")
	}
	if len(alias) > MaxKEKAliasLength {
		return fmt.Errorf("must be %d characters or less, got %d", MaxKEKAliasLength, len(alias))
	}
	for _, ch := range alias {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') || ch == '-' || ch == '_' || ch == '/') {
			return fmt.Errorf("contains invalid character '%c'", ch)
		}
	}
	return nil
}

// Path resolves name against DataDir.
func (c *Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
