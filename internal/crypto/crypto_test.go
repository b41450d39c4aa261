package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/device-gateway-service/internal/model"
)

func newTestService(t *testing.T) *Service {
	svc, err := NewService("unit-test-master-key-0123456789")
	require.NoError(t, err)
	return svc
}

func TestNewService_RejectsMissingKey(t *testing.T) {
	_, err := NewService("")
	assert.Error(t, err)

	_, err = NewService("short")
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	cases := []map[string]any{
		{},
		{"user": "alice", "count": float64(3)},
		{"nested": map[string]any{"a": []any{"x", "y"}, "b": map[string]any{"deep": true}}},
	}
	for _, in := range cases {
		ct, iv, tag, err := svc.Encrypt(in)
		require.NoError(t, err)
		assert.NotEmpty(t, iv)
		assert.Len(t, tag, gcmTagSize)

		out := map[string]any{}
		require.NoError(t, svc.Decrypt(ct, iv, tag, &out))
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	svc := newTestService(t)
	_, iv1, _, err := svc.Encrypt(map[string]any{"a": 1})
	require.NoError(t, err)
	_, iv2, _, err := svc.Encrypt(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestDecrypt_TamperedInputsFail(t *testing.T) {
	svc := newTestService(t)
	ct, iv, tag, err := svc.Encrypt(map[string]any{"secret": "value"})
	require.NoError(t, err)

	out := map[string]any{}

	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xff
	err = svc.Decrypt(tampered, iv, tag, &out)
	var ce *model.CryptoError
	assert.ErrorAs(t, err, &ce)

	wrongIV := append([]byte{}, iv...)
	wrongIV[0] ^= 0xff
	assert.Error(t, svc.Decrypt(ct, wrongIV, tag, &out))

	wrongTag := append([]byte{}, tag...)
	wrongTag[0] ^= 0xff
	assert.Error(t, svc.Decrypt(ct, iv, wrongTag, &out))

	assert.Error(t, svc.Decrypt(ct, iv[:4], tag, &out))
	assert.Empty(t, out)
}

func TestSimpleVariant_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	in := map[string]any{"registration_id": float64(42), "noise_key": "b64=="}
	ct, iv, err := svc.EncryptSimple(in)
	require.NoError(t, err)

	out := map[string]any{}
	require.NoError(t, svc.DecryptSimple(ct, iv, &out))
	assert.Equal(t, in, out)

	// Flipping bits breaks the JSON, so the decode side still fails loudly.
	assert.Error(t, svc.DecryptSimple(ct, iv[:3], &out))
}

func TestHashVerify(t *testing.T) {
	svc := newTestService(t)

	sum := svc.Hash([]byte("payload"))
	assert.True(t, svc.VerifyHash([]byte("payload"), sum))
	assert.False(t, svc.VerifyHash([]byte("payload2"), sum))
	assert.False(t, svc.VerifyHash([]byte("payload"), "zz-not-hex"))

	other := newTestService(t)
	assert.True(t, other.VerifyHash([]byte("payload"), sum), "same master key derives same MAC key")
}
