// Package auth implements the narrow collaborator-side surface of spec
// §6's AuthContext boundary: AuthContext itself, the ConfigStore.
// resolve_auth contract used to produce it, and TenantSigner, the
// tenant-scoped control-plane token signer referenced by the reference
// ConfigStore implementation (SPEC_FULL §12).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Context is the opaque AuthContext produced by the inbound authentication
// collaborator and passed into SessionBroker; the core never inspects it
// beyond what Resolve returns.
type Context struct {
	APIKeyID  string
	TenantID  string
	ProfileID string // empty if the credential is not scoped to one profile
}

// Resolver is the narrow ConfigStore.resolve_auth collaborator contract of
// spec §6: turn an inbound credential (API key or JWT) into an AuthContext.
// Its implementation (API-key lookup, OIDC JWT validation) is explicitly
// out of core scope per §1's Non-goals.
type Resolver interface {
	Resolve(credential string) (Context, error)
}

var ErrInvalidCredential = errors.New("auth: invalid or expired credential")

type ctxKey struct{}

// WithContext attaches an already-resolved AuthContext to ctx, for the
// transport layer to thread from its authentication middleware down into
// session construction.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, authCtx)
}

// FromContext retrieves the AuthContext attached by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	v, ok := ctx.Value(ctxKey{}).(Context)
	return v, ok
}

const tokenVersion = "tv1"

// Payload is a TenantSigner-issued token's signed content.
type Payload struct {
	TenantID    string `json:"tenantId"`
	ExpUnixSecs int64  `json:"expUnixSecs"`
}

// TenantSigner signs and verifies tenant-scoped control-plane tokens,
// grounded on original_source's gateway/src/tenant_token.rs. The token
// format is "tv1.<payload_b64>.<sig_b64>", both b64 segments URL-safe,
// unpadded; the signature is HMAC-SHA256 over the payload's b64 text, not
// over the raw JSON, so verification never needs to re-encode the payload.
type TenantSigner struct {
	secret []byte
}

func NewTenantSigner(secret []byte) *TenantSigner {
	return &TenantSigner{secret: secret}
}

// SignV1 issues a token for payload, valid until payload.ExpUnixSecs.
func (s *TenantSigner) SignV1(payload Payload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("auth: marshal tenant token payload: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return tokenVersion + "." + payloadB64 + "." + sigB64, nil
}

// Verify checks token's signature and expiry against the current time.
func (s *TenantSigner) Verify(token string) (Payload, error) {
	return s.verifyAt(token, time.Now().Unix())
}

func (s *TenantSigner) verifyAt(token string, nowUnixSecs int64) (Payload, error) {
	version, rest, ok := cut(token, '.')
	if !ok || version != tokenVersion {
		return Payload{}, ErrInvalidCredential
	}
	payloadB64, sigB64, ok := cut(rest, '.')
	if !ok {
		return Payload{}, ErrInvalidCredential
	}

	got, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Payload{}, ErrInvalidCredential
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadB64))
	want := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return Payload{}, ErrInvalidCredential
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Payload{}, ErrInvalidCredential
	}
	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return Payload{}, ErrInvalidCredential
	}

	if payload.ExpUnixSecs <= nowUnixSecs {
		return Payload{}, fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	return payload, nil
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
