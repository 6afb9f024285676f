package keysource

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsClient covers the KMS operations the provider needs, so tests can fake
// the SDK call.
type kmsClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSConfig carries the settings for the KMS-backed key source.
type AWSKMSConfig struct {
	// Region overrides the ambient AWS region when set.
	Region string
	// KeyID is the KMS key that wrapped the master key.
	KeyID string
	// WrappedKey is the base64 ciphertext of the 32-byte master key, produced
	// by a KMS Encrypt call against KeyID at provisioning time.
	WrappedKey string
}

// AWSKMS unwraps the master key with a KMS Decrypt call. The plaintext key
// only ever exists in process memory.
type AWSKMS struct {
	client     kmsClient
	keyID      string
	wrappedKey string
}

func NewAWSKMS(ctx context.Context, cfg AWSKMSConfig) (*AWSKMS, error) {
	if cfg.KeyID == "" || cfg.WrappedKey == "" {
		return nil, fmt.Errorf("keysource awskms: key id and wrapped key are required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("keysource awskms: load aws config: %w", err)
	}

	return &AWSKMS{
		client:     kms.NewFromConfig(awsCfg),
		keyID:      cfg.KeyID,
		wrappedKey: cfg.WrappedKey,
	}, nil
}

// newAWSKMSWithClient is the test seam.
func newAWSKMSWithClient(client kmsClient, keyID, wrappedKey string) *AWSKMS {
	return &AWSKMS{client: client, keyID: keyID, wrappedKey: wrappedKey}
}

func (a *AWSKMS) MasterKey(ctx context.Context) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(a.wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("keysource awskms: decode wrapped key: %w", err)
	}

	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(a.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("keysource awskms: decrypt master key: %w", err)
	}

	if len(out.Plaintext) != MasterKeySize {
		return nil, fmt.Errorf("keysource awskms: key must be %d bytes, got %d", MasterKeySize, len(out.Plaintext))
	}
	return out.Plaintext, nil
}
