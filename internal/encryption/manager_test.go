package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"trust-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS wraps data keys by reversing them so tests can tell the paths apart.
type fakeKMS struct {
	generated int
	decrypted int
	failNext  bool
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.failNext {
		return nil, errors.New("kms unavailable")
	}
	f.generated++
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + f.generated)
	}
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: reverse(key)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func TestEncryptDecrypt_Local(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	enc, err := em.Encrypt(ctx, []byte(`{"sessions":2}`), "dsr_response")
	require.NoError(t, err)
	assert.NotContains(t, enc.EncryptedValue, "sessions")

	em.ClearCache()
	plain, err := em.Decrypt(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, `{"sessions":2}`, string(plain))
	assert.Equal(t, 1, em.GetCacheSize())
}

func TestDecrypt_WrongPurposeFails(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	enc, err := em.Encrypt(context.Background(), []byte("secret"), "a")
	require.NoError(t, err)

	enc.Version = "v1:b"
	_, err = em.Decrypt(context.Background(), enc)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptDecrypt_KMS(t *testing.T) {
	fk := &fakeKMS{}
	em := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "alias/trust"}, fk)
	ctx := context.Background()

	enc, err := em.Encrypt(ctx, []byte("payload"), "dsr_response")
	require.NoError(t, err)
	assert.Equal(t, "alias/trust", enc.KeyID)

	em.ClearCache()
	plain, err := em.Decrypt(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))
	assert.Equal(t, 1, fk.decrypted)

	// second decrypt hits the DEK cache
	_, err = em.Decrypt(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, 1, fk.decrypted)
}

func TestEncrypt_KMSFailure(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{Enabled: true}, &fakeKMS{failNext: true})
	_, err := em.Encrypt(context.Background(), []byte("x"), "p")
	assert.Error(t, err)
}

func TestEnvelopeRoundTripThroughString(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	enc, err := em.Encrypt(context.Background(), []byte("x"), "p")
	require.NoError(t, err)

	s, err := enc.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalEncryptedData(s)
	require.NoError(t, err)
	assert.Equal(t, enc.EncryptedDEK, back.EncryptedDEK)

	_, err = UnmarshalEncryptedData("not json")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestRandomBytes(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	a, err := em.RandomBytes(16)
	require.NoError(t, err)
	b, err := em.RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, base64.StdEncoding.EncodeToString(a), base64.StdEncoding.EncodeToString(b))
}
