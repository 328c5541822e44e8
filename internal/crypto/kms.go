package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsAPI is the subset of the KMS client the provider uses.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSProviderConfig configures the KMS-backed key provider.
type KMSProviderConfig struct {
	// KeyID is the KMS key id, ARN, or alias of the wrapping key.
	KeyID string
	// Region is the KMS region.
	Region string
	// Endpoint overrides the KMS endpoint (for local stacks).
	Endpoint string
	// AccessKey and SecretKey are optional static credentials; the default
	// credential chain is used when empty.
	AccessKey string
	SecretKey string
	// CacheTTL bounds how long unwrapped data keys are reused; CacheMaxItems
	// bounds how many are held.
	CacheTTL      time.Duration
	CacheMaxItems int
}

// kmsKeyProvider delegates data-key wrap/unwrap to an external key management
// service. The wrapping key never leaves the KMS; this process only ever
// holds per-operation data keys. Production configuration.
type kmsKeyProvider struct {
	client kmsAPI
	keyID  string
	cache  *keyCache
}

// NewKMSKeyProvider creates a key provider backed by AWS KMS (or a
// KMS-compatible endpoint).
func NewKMSKeyProvider(ctx context.Context, cfg KMSProviderConfig) (KeyProvider, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: kms key id is required", ErrKeyUnavailable)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", ErrKeyUnavailable, err)
	}

	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newKMSKeyProviderWithClient(client, cfg), nil
}

// newKMSKeyProviderWithClient wires an explicit client, used by tests.
func newKMSKeyProviderWithClient(client kmsAPI, cfg KMSProviderConfig) KeyProvider {
	return &kmsKeyProvider{
		client: client,
		keyID:  cfg.KeyID,
		cache:  newKeyCache(cfg.CacheMaxItems, cfg.CacheTTL),
	}
}

func (p *kmsKeyProvider) Backend() Backend {
	return BackendKMS
}

func (p *kmsKeyProvider) KeyID() string {
	return p.keyID
}

func (p *kmsKeyProvider) WrapDataKey(ctx context.Context, dataKey []byte) ([]byte, error) {
	out, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: dataKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms encrypt: %v", ErrKeyUnavailable, err)
	}

	return out.CiphertextBlob, nil
}

func (p *kmsKeyProvider) UnwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	cacheKey := base64.StdEncoding.EncodeToString(wrapped)
	if dataKey, ok := p.cache.get(cacheKey); ok {
		return dataKey, nil
	}

	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %v", ErrKeyUnavailable, err)
	}

	p.cache.set(cacheKey, out.Plaintext)
	return out.Plaintext, nil
}

func (p *kmsKeyProvider) Close() error {
	p.cache.clear()
	return nil
}
