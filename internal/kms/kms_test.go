package kms

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

func TestLocalKeyServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := NewLocalKeyService(map[string]string{"reversal-v1": "s3cret"})

	key, err := svc.Key(ctx, "reversal-v1")
	require.NoError(t, err)
	assert.Equal(t, localProvider, key.Provider)

	ct, err := svc.Encrypt(ctx, key, []byte("ABCD 1234 5678 09"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "ABCD")

	plain, err := svc.Decrypt(ctx, key, ct)
	require.NoError(t, err)
	assert.Equal(t, "ABCD 1234 5678 09", string(plain))
}

func TestLocalKeyServiceFailures(t *testing.T) {
	ctx := context.Background()
	svc := NewLocalKeyService(map[string]string{"k1": "a", "k2": "b"})

	_, err := svc.Key(ctx, "missing")
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	k1, _ := svc.Key(ctx, "k1")
	ct, err := svc.Encrypt(ctx, k1, []byte("payload"))
	require.NoError(t, err)

	// Ciphertext is bound to its key id.
	_, err = svc.Decrypt(ctx, Key{ID: "k2"}, ct)
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)

	_, err = svc.Decrypt(ctx, k1, ct[:4])
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)

	svc.Disable("k1")
	_, err = svc.Decrypt(ctx, k1, ct)
	assert.ErrorIs(t, err, ErrKeyDisabled)
	assert.True(t, phierr.IsRetryable(err))

	svc.AddKey("k1", "a")
	plain, err := svc.Decrypt(ctx, k1, ct)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))
}

type mockKMS struct {
	state      kmstypes.KeyState
	describeEr error
	encryptErr error
	lastKeyID  string
}

func (m *mockKMS) DescribeKey(_ context.Context, in *awskms.DescribeKeyInput, _ ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error) {
	if m.describeEr != nil {
		return nil, m.describeEr
	}
	return &awskms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{
		KeyId:    in.KeyId,
		KeyState: m.state,
	}}, nil
}

func (m *mockKMS) Encrypt(_ context.Context, in *awskms.EncryptInput, _ ...func(*awskms.Options)) (*awskms.EncryptOutput, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	m.lastKeyID = aws.ToString(in.KeyId)
	return &awskms.EncryptOutput{CiphertextBlob: append([]byte("enc:"), in.Plaintext...)}, nil
}

func (m *mockKMS) Decrypt(_ context.Context, in *awskms.DecryptInput, _ ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	return &awskms.DecryptOutput{Plaintext: in.CiphertextBlob[len("enc:"):]}, nil
}

func TestAWSKeyService(t *testing.T) {
	ctx := context.Background()
	mock := &mockKMS{state: kmstypes.KeyStateEnabled}
	svc := NewAWSKeyService(mock)

	key, err := svc.Key(ctx, "alias/phi-reversal")
	require.NoError(t, err)
	assert.Equal(t, "alias/phi-reversal", key.ID)

	ct, err := svc.Encrypt(ctx, key, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "alias/phi-reversal", mock.lastKeyID)

	plain, err := svc.Decrypt(ctx, key, ct)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))
}

func TestAWSKeyServiceErrors(t *testing.T) {
	ctx := context.Background()

	disabled := NewAWSKeyService(&mockKMS{state: kmstypes.KeyStatePendingDeletion})
	_, err := disabled.Key(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyDisabled)

	missing := NewAWSKeyService(&mockKMS{describeEr: &kmstypes.NotFoundException{Message: aws.String("nope")}})
	_, err = missing.Key(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)

	throttled := NewAWSKeyService(&mockKMS{state: kmstypes.KeyStateEnabled, encryptErr: errors.New("throttled")})
	_, err = throttled.Encrypt(ctx, Key{ID: "k"}, []byte("x"))
	assert.ErrorIs(t, err, phierr.ErrKeyManagement)

	_, err = throttled.Key(ctx, "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
