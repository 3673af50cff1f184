package medvault

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hengadev/medvault/internal/config"
	"github.com/hengadev/medvault/internal/custodian"
	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/reliability"
	"github.com/hengadev/medvault/providers/awskms"
	badgerblob "github.com/hengadev/medvault/providers/badger"
	"github.com/hengadev/medvault/providers/hashicorp"
	s3bucket "github.com/hengadev/medvault/providers/s3"
)

// Config describes a node: where the ledger and blobs live, which KMS backs the emergency
// custodian, the protocol windows and logging. It holds data only.
type Config = config.Config

// DefaultConfig keeps everything in a local .medvault directory with a SQLite ledger,
// file blobs and a local KMS.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads the YAML file at path (optional), a .env file and the MEDVAULT_*
// environment variables, in that order, and validates the result.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// LoadConfigFromEnvironment is LoadConfig without a file.
func LoadConfigFromEnvironment() (Config, error) { return config.Load("") }

// SaveConfig writes cfg as YAML.
func SaveConfig(cfg Config, path string) error { return config.Save(cfg, path) }

// NewLogger builds the node logger described by cfg.Log.
func NewLogger(cfg Config, output io.Writer) (*slog.Logger, error) {
	level, err := monitoring.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := monitoring.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = os.Stderr
	}
	return monitoring.NewLogger(monitoring.LoggerConfig{Level: level, Format: format, Output: output}), nil
}

// Open assembles a Vault from cfg: it opens the ledger, the blob backend and the KMS,
// prepares the custodian KEK and applies the protocol windows. Options given here are
// applied after the ones derived from cfg. Close the Vault to release what Open opened.
func Open(ctx context.Context, cfg Config, opts ...Option) (v *Vault, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logger, err := NewLogger(cfg, nil)
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i].Close()
			}
		}
	}()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, ledger)

	blobs, blobCloser, err := openBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if blobCloser != nil {
		closers = append(closers, blobCloser)
	}

	versions, err := custodian.OpenSQLiteVersions(ctx, cfg.Path(cfg.KMS.KEKFile))
	if err != nil {
		return nil, err
	}
	closers = append(closers, versions)
	kms, err := openKMS(ctx, cfg, versions)
	if err != nil {
		return nil, err
	}
	c, err := NewCustodian(ctx, kms, versions, cfg.KMS.KEKAlias, logger.With("component", "custodian"), nil)
	if err != nil {
		return nil, err
	}

	authorities := make([]Address, 0, len(cfg.Authorities))
	for _, a := range cfg.Authorities {
		authorities = append(authorities, Address(a))
	}
	base := []Option{
		WithLogger(logger),
		WithCipher(cfg.Cipher),
		WithAuthorities(authorities...),
		WithRequestWindow(cfg.RequestWindow),
		WithGrantDuration(cfg.GrantDuration),
		WithEmergencyWindow(cfg.EmergencyWindow),
		WithRetry(RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		}),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.Retry.FailureThreshold,
			Timeout:          cfg.Retry.OpenTimeout,
		}),
	}
	for _, cl := range closers {
		base = append(base, WithCloser(cl))
	}

	v, err = New(ledger, blobs, c, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "vault opened",
		"store", cfg.Store, "blob_backend", cfg.Blob.Backend, "kms", cfg.KMS.Provider, "kek_alias", cfg.KMS.KEKAlias)
	return v, nil
}

func openLedger(ctx context.Context, cfg Config) (Ledger, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return NewMemoryLedger(), nil
	default:
		return OpenSQLiteLedger(ctx, cfg.Path(cfg.StoreFile))
	}
}

func openBlobs(ctx context.Context, cfg Config) (BlobStore, io.Closer, error) {
	switch cfg.Blob.Backend {
	case config.BlobMemory:
		return NewMemoryBlobStore(), nil, nil
	case config.BlobBadger:
		s, err := badgerblob.Open(cfg.Path(cfg.Blob.Dir))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BlobS3:
		s, err := s3bucket.New(ctx, s3bucket.Config{
			Bucket: cfg.Blob.S3Bucket,
			Prefix: cfg.Blob.S3Prefix,
			Region: cfg.Blob.Region,
		})
		return s, nil, err
	default:
		s, err := NewFileBlobStore(cfg.Path(cfg.Blob.Dir))
		return s, nil, err
	}
}

func openKMS(ctx context.Context, cfg Config, versions *custodian.SQLiteVersions) (KeyManagementService, error) {
	// Vault logins and AWS config loading reach the network.
	var kms KeyManagementService
	err := reliability.Retry(ctx, reliability.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}, func(ctx context.Context) (err error) {
		switch cfg.KMS.Provider {
		case config.KMSVault:
			vc := hashicorp.ConfigFromEnv()
			if cfg.KMS.TransitMount != "" {
				vc.Mount = cfg.KMS.TransitMount
			}
			kms, err = hashicorp.New(ctx, vc)
		case config.KMSAWS:
			kms, err = awskms.New(ctx, awskms.Config{Region: cfg.KMS.Region})
		default:
			kms, err = versions.LocalKMS(ctx)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s KMS: %w", cfg.KMS.Provider, err)
	}
	return kms, nil
}
