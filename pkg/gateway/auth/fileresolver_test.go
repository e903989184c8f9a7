package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileResolverResolvesValidToken(t *testing.T) {
	signer := NewTenantSigner([]byte("secret"))
	token, err := signer.SignV1(Payload{TenantID: "tenant-a", ExpUnixSecs: 1 << 40})
	require.NoError(t, err)

	resolver := NewFileResolver(signer)
	ctx, err := resolver.Resolve(token)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", ctx.TenantID)
	require.Equal(t, token, ctx.APIKeyID)
	require.Empty(t, ctx.ProfileID)
}

func TestFileResolverRejectsInvalidToken(t *testing.T) {
	resolver := NewFileResolver(NewTenantSigner([]byte("secret")))
	_, err := resolver.Resolve("garbage")
	require.Error(t, err)
}
