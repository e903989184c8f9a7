package auth

import "fmt"

// FileResolver is the reference ConfigStore.resolve_auth collaborator for
// the file-backed local-dev path (SPEC_FULL §12): credentials are
// TenantSigner-issued tenant tokens, and the apiKeyID surfaced in the
// resulting AuthContext is the credential itself, since the file store
// has no separate API-key identity space to look up. Production
// deployments replace this with a resolver backed by the durable control
// plane's own API-key/JWT verification (spec §1's Non-goal).
type FileResolver struct {
	signer *TenantSigner
}

func NewFileResolver(signer *TenantSigner) *FileResolver {
	return &FileResolver{signer: signer}
}

// Resolve verifies token as a tenant token and returns an AuthContext
// scoped to its tenant, but to no single profile: tenant-to-profile
// scoping is enforced downstream by matching AuthContext.TenantID against
// the requested profile's own TenantID, not by naming a ProfileID here.
func (r *FileResolver) Resolve(token string) (Context, error) {
	payload, err := r.signer.Verify(token)
	if err != nil {
		return Context{}, fmt.Errorf("auth: %w", err)
	}
	return Context{
		APIKeyID: token,
		TenantID: payload.TenantID,
	}, nil
}

var _ Resolver = (*FileResolver)(nil)
