package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTenantTokenRoundtripAndExpiry(t *testing.T) {
	signer := NewTenantSigner([]byte("test-secret"))

	token, err := signer.SignV1(Payload{TenantID: "tenant-a", ExpUnixSecs: 1000})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "tv1."))
	require.Equal(t, 2, strings.Count(token, "."))

	payload, err := signer.verifyAt(token, 999)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", payload.TenantID)

	_, err = signer.verifyAt(token, 1000)
	require.Error(t, err)

	_, err = signer.verifyAt(token, 1001)
	require.Error(t, err)
}

func TestTenantTokenRejectsTamperedSignature(t *testing.T) {
	signer := NewTenantSigner([]byte("test-secret"))
	token, err := signer.SignV1(Payload{TenantID: "tenant-a", ExpUnixSecs: 1000})
	require.NoError(t, err)

	tampered := token[:len(token)-1] + "x"
	_, err = signer.verifyAt(tampered, 0)
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTenantTokenRejectsWrongSecret(t *testing.T) {
	signer := NewTenantSigner([]byte("test-secret"))
	token, err := signer.SignV1(Payload{TenantID: "tenant-a", ExpUnixSecs: 1000})
	require.NoError(t, err)

	other := NewTenantSigner([]byte("other-secret"))
	_, err = other.verifyAt(token, 0)
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTenantTokenRejectsMalformedToken(t *testing.T) {
	signer := NewTenantSigner([]byte("test-secret"))

	_, err := signer.verifyAt("not-a-token", 0)
	require.Error(t, err)

	_, err = signer.verifyAt("tv2.aaa.bbb", 0)
	require.ErrorIs(t, err, ErrInvalidCredential)

	_, err = signer.verifyAt("tv1.onlyonepart", 0)
	require.ErrorIs(t, err, ErrInvalidCredential)
}
