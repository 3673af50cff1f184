// Package awskms adapts AWS Key Management Service to the custodian's KeyManagementService.
//
// Escrowed record keys are encrypted under a symmetric KMS key reached through an alias.
// Every call binds the same encryption context, so ciphertexts cannot be decrypted by a
// caller that does not present it.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/hengadev/medvault/internal/custodian"
	"github.com/hengadev/medvault/internal/vaulterr"
)

const aliasPrefix = "alias/"

// kmsClient is the slice of the AWS KMS API used here (allows mocking).
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	UpdateAlias(ctx context.Context, params *kms.UpdateAliasInput, optFns ...func(*kms.Options)) (*kms.UpdateAliasOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

var _ custodian.KeyManagementService = (*KMSService)(nil)

type KMSService struct {
	client  kmsClient
	region  string
	context map[string]string
}

type Config struct {
	// Region is the AWS region. Empty falls back to AWS_REGION or the shared config file.
	Region string

	// AWSConfig overrides Region when set.
	AWSConfig *aws.Config

	// EncryptionContext is bound to every Encrypt and Decrypt call.
	EncryptionContext map[string]string
}

// DefaultEncryptionContext marks ciphertexts as emergency escrows.
var DefaultEncryptionContext = map[string]string{"medvault:use": "emergency-escrow"}

func New(ctx context.Context, cfg Config) (*KMSService, error) {
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", vaulterr.ErrKMSUnavailable, err)
		}
	}
	return newService(kms.NewFromConfig(awsConfig), awsConfig.Region, cfg.EncryptionContext), nil
}

func newService(client kmsClient, region string, encryptionContext map[string]string) *KMSService {
	if encryptionContext == nil {
		encryptionContext = DefaultEncryptionContext
	}
	return &KMSService{client: client, region: region, context: encryptionContext}
}

func aliasName(alias string) string {
	if strings.HasPrefix(alias, aliasPrefix) {
		return alias
	}
	return aliasPrefix + alias
}

// GetKeyID resolves alias to the key it currently targets. A missing alias is reported
// as vaulterr.ErrNotFound so the custodian creates one.
func (k *KMSService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", vaulterr.ErrNotFound)
	}
	name := aliasName(alias)
	result, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(name)})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: KMS alias %s", vaulterr.ErrNotFound, name)
		}
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %w", vaulterr.ErrKMSUnavailable, name, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for alias %s", vaulterr.ErrKMSUnavailable, name)
	}
	return *result.KeyMetadata.KeyId, nil
}

// CreateKey creates a symmetric key and points the alias named description at it. An
// existing alias is moved to the new key, leaving the old key in place for decryption.
func (k *KMSService) CreateKey(ctx context.Context, description string) (string, error) {
	result, err := k.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(description),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
		Tags:        []types.Tag{{TagKey: aws.String("medvault:alias"), TagValue: aws.String(description)}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create KMS key: %w", vaulterr.ErrKMSUnavailable, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", vaulterr.ErrKMSUnavailable)
	}
	keyID := *result.KeyMetadata.KeyId

	name := aliasName(description)
	_, err = k.client.CreateAlias(ctx, &kms.CreateAliasInput{AliasName: aws.String(name), TargetKeyId: aws.String(keyID)})
	var exists *types.AlreadyExistsException
	if errors.As(err, &exists) {
		_, err = k.client.UpdateAlias(ctx, &kms.UpdateAliasInput{AliasName: aws.String(name), TargetKeyId: aws.String(keyID)})
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to point %s at %s: %w", vaulterr.ErrKMSUnavailable, name, keyID, err)
	}
	return keyID, nil
}

// EncryptDEK returns the raw KMS ciphertext blob.
func (k *KMSService) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	if len(plaintextDEK) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", vaulterr.ErrEncryptionFailed)
	}
	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(keyID),
		Plaintext:         plaintextDEK,
		EncryptionContext: k.context,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encrypt DEK with KMS key %s: %w", vaulterr.ErrKMSUnavailable, keyID, err)
	}
	if len(result.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", vaulterr.ErrEncryptionFailed)
	}
	return result.CiphertextBlob, nil
}

// DecryptDEK decrypts a blob produced by EncryptDEK. keyID may be empty since the blob
// names its key.
func (k *KMSService) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	if len(ciphertextDEK) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", vaulterr.ErrDecryptionFailed)
	}
	input := &kms.DecryptInput{CiphertextBlob: ciphertextDEK, EncryptionContext: k.context}
	if keyID != "" {
		input.KeyId = aws.String(keyID)
	}
	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		var invalid *types.InvalidCiphertextException
		var incorrect *types.IncorrectKeyException
		if errors.As(err, &invalid) || errors.As(err, &incorrect) {
			return nil, fmt.Errorf("%w: %w", vaulterr.ErrDecryptionFailed, err)
		}
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %w", vaulterr.ErrKMSUnavailable, err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", vaulterr.ErrDecryptionFailed)
	}
	return result.Plaintext, nil
}

func (k *KMSService) Region() string {
	return k.region
}
