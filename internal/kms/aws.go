package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// KMSAPI is the subset of the KMS client used by AWSKeyService.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *awskms.DescribeKeyInput, optFns ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error)
	Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSKeyService uses AWS KMS symmetric keys.
type AWSKeyService struct {
	client KMSAPI
}

// NewAWSKeyService wraps a KMS client.
func NewAWSKeyService(client KMSAPI) *AWSKeyService {
	if client == nil {
		panic("kms: client required")
	}
	return &AWSKeyService{client: client}
}

const awsProvider = "aws-kms"

// Key checks that the key exists and is enabled.
func (s *AWSKeyService) Key(ctx context.Context, id string) (Key, error) {
	if id == "" {
		return Key{}, phierr.KeyManagement("kms.key", "key_id", ErrKeyNotFound)
	}
	out, err := s.client.DescribeKey(ctx, &awskms.DescribeKeyInput{KeyId: aws.String(id)})
	if err != nil {
		var nf *kmstypes.NotFoundException
		if errors.As(err, &nf) {
			return Key{}, phierr.KeyManagement("kms.key", "key_id", fmt.Errorf("%w: %s", ErrKeyNotFound, id))
		}
		return Key{}, phierr.KeyManagement("kms.key", "key_id", fmt.Errorf("describe %s: %w", id, err))
	}
	if out.KeyMetadata == nil || out.KeyMetadata.KeyState != kmstypes.KeyStateEnabled {
		return Key{}, phierr.KeyManagement("kms.key", "key_id", fmt.Errorf("%w: %s", ErrKeyDisabled, id))
	}
	return Key{ID: aws.ToString(out.KeyMetadata.KeyId), Provider: awsProvider}, nil
}

func (s *AWSKeyService) Encrypt(ctx context.Context, key Key, plaintext []byte) ([]byte, error) {
	out, err := s.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(key.ID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, phierr.KeyManagement("kms.encrypt", "key_id", fmt.Errorf("encrypt under %s: %w", key.ID, err))
	}
	return out.CiphertextBlob, nil
}

func (s *AWSKeyService) Decrypt(ctx context.Context, key Key, ciphertext []byte) ([]byte, error) {
	out, err := s.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          aws.String(key.ID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, phierr.KeyManagement("kms.decrypt", "key_id", fmt.Errorf("decrypt under %s: %w", key.ID, err))
	}
	return out.Plaintext, nil
}
