package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvDataDir         = "MEDVAULT_DATA_DIR"
	EnvStore           = "MEDVAULT_STORE"
	EnvBlobBackend     = "MEDVAULT_BLOB_BACKEND"
	EnvBlobDir         = "MEDVAULT_BLOB_DIR"
	EnvS3Bucket        = "MEDVAULT_S3_BUCKET"
	EnvS3Prefix        = "MEDVAULT_S3_PREFIX"
	EnvAWSRegion       = "MEDVAULT_AWS_REGION"
	EnvKMSProvider     = "MEDVAULT_KMS"
	EnvKEKAlias        = "MEDVAULT_KEK_ALIAS"
	EnvTransitMount    = "MEDVAULT_TRANSIT_MOUNT"
	EnvAuthorities     = "MEDVAULT_AUTHORITIES"
	EnvRequestWindow   = "MEDVAULT_REQUEST_WINDOW"
	EnvGrantDuration   = "MEDVAULT_GRANT_DURATION"
	EnvEmergencyWindow = "MEDVAULT_EMERGENCY_WINDOW"
	EnvCipher          = "MEDVAULT_CIPHER"
	EnvRetryAttempts   = "MEDVAULT_RETRY_ATTEMPTS"
	EnvLogLevel        = "MEDVAULT_LOG_LEVEL"
	EnvLogFormat       = "MEDVAULT_LOG_FORMAT"
)

// Load builds a Config from defaults, then the YAML file at path (skipped when path is
// empty), then a .env file in the working directory, then the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Save writes cfg as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(EnvDataDir, &cfg.DataDir)
	str(EnvStore, &cfg.Store)
	str(EnvBlobBackend, &cfg.Blob.Backend)
	str(EnvBlobDir, &cfg.Blob.Dir)
	str(EnvS3Bucket, &cfg.Blob.S3Bucket)
	str(EnvS3Prefix, &cfg.Blob.S3Prefix)
	str(EnvKMSProvider, &cfg.KMS.Provider)
	str(EnvKEKAlias, &cfg.KMS.KEKAlias)
	str(EnvTransitMount, &cfg.KMS.TransitMount)
	str(EnvCipher, &cfg.Cipher)
	str(EnvLogLevel, &cfg.Log.Level)
	str(EnvLogFormat, &cfg.Log.Format)
	if v, ok := lookup(EnvAWSRegion); ok && v != "" {
		cfg.Blob.Region = v
		cfg.KMS.Region = v
	}
	if v, ok := lookup(EnvAuthorities); ok && v != "" {
		cfg.Authorities = nil
		for _, a := range strings.Split(v, ",") {
			cfg.Authorities = append(cfg.Authorities, strings.TrimSpace(a))
		}
	}
	if v, ok := lookup(EnvRetryAttempts); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetryAttempts, err)
		}
		cfg.Retry.MaxAttempts = n
	}

	for key, dst := range map[string]*time.Duration{
		EnvRequestWindow:   &cfg.RequestWindow,
		EnvGrantDuration:   &cfg.GrantDuration,
		EnvEmergencyWindow: &cfg.EmergencyWindow,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}
