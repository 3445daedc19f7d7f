package hashing

import (
	"testing"

	"trust-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	})
	require.NoError(t, err)
	return h
}

func TestHashAndVerifyCode(t *testing.T) {
	h := newTestHasher(t)

	res, err := h.HashCode("123456")
	require.NoError(t, err)
	assert.NotContains(t, res.Hash, "123456")
	assert.Equal(t, 1, res.PepperVersion)

	ok, err := h.VerifyCode("123456", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyCode("654321", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCode_AfterRotation(t *testing.T) {
	h := newTestHasher(t)
	res, err := h.HashCode("000001")
	require.NoError(t, err)

	require.NoError(t, h.RotatePepper())
	require.NoError(t, h.RotatePepper())
	ok, err := h.VerifyCode("000001", res)
	require.NoError(t, err)
	assert.True(t, ok, "hash made two rotations ago still verifies")

	require.NoError(t, h.RotatePepper())
	_, err = h.VerifyCode("000001", res)
	assert.ErrorIs(t, err, ErrPepperNotFound)
	assert.Equal(t, 4, h.CurrentPepperVersion())
}

func TestVerifyCode_InvalidHash(t *testing.T) {
	h := newTestHasher(t)
	_, err := h.VerifyCode("1", &HashResult{Hash: "!!", Salt: "AA", PepperVersion: 1})
	assert.ErrorIs(t, err, ErrInvalidHash)
	_, err = h.VerifyCode("1", nil)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func pepperConfig(peppers ...string) config.HashingConfig {
	return config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           peppers,
	}
}

func TestConfiguredPeppers_SurviveRestart(t *testing.T) {
	first, err := NewHasher(pepperConfig("1:first-pepper-secret-value"))
	require.NoError(t, err)
	res, err := first.HashCode("482913")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PepperVersion)

	// A second hasher from the same configuration stands in for a restarted
	// or sibling instance.
	second, err := NewHasher(pepperConfig("1:first-pepper-secret-value"))
	require.NoError(t, err)
	ok, err := second.VerifyCode("482913", res)
	require.NoError(t, err)
	assert.True(t, ok)

	generated := newTestHasher(t)
	ok, err = generated.VerifyCode("482913", res)
	require.NoError(t, err)
	assert.False(t, ok, "a generated pepper does not match")
}

func TestConfiguredPeppers_NewestHashesAllVerify(t *testing.T) {
	old, err := NewHasher(pepperConfig("1:first-pepper-secret-value"))
	require.NoError(t, err)
	res, err := old.HashCode("000042")
	require.NoError(t, err)

	h, err := NewHasher(pepperConfig("2:second-pepper-secret-value", "1:first-pepper-secret-value"))
	require.NoError(t, err)
	assert.True(t, h.Static())
	assert.Equal(t, 2, h.CurrentPepperVersion())

	ok, err := h.VerifyCode("000042", res)
	require.NoError(t, err)
	assert.True(t, ok, "older configured versions still verify")

	fresh, err := h.HashCode("000042")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.PepperVersion)

	assert.ErrorIs(t, h.RotatePepper(), ErrStaticPeppers)
	assert.Equal(t, 2, h.CurrentPepperVersion())
}

func TestConfiguredPeppers_Invalid(t *testing.T) {
	for name, entries := range map[string][]string{
		"no separator": {"first-pepper-secret-value"},
		"bad version":  {"x:first-pepper-secret-value"},
		"zero version": {"0:first-pepper-secret-value"},
		"too short":    {"1:short"},
		"duplicate":    {"1:first-pepper-secret-value", "1:second-pepper-secret-value"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewHasher(pepperConfig(entries...))
			assert.ErrorIs(t, err, ErrInvalidPepper)
		})
	}
}
