// Package standard implements the no-attestation development mode: the
// Attestation Provider simply returns the mode tag and raw public key,
// with no signed evidence (§3, §4.2).
package standard

import "github.com/tee-rex/tee-rex/internal/attestation"

// Provider implements attestation.Provider for the "standard" (development)
// mode.
type Provider struct {
	publicKey string
}

// New returns a Provider that always reports armoredPublicKey unattested.
func New(armoredPublicKey string) *Provider {
	return &Provider{publicKey: armoredPublicKey}
}

// Attest ignores challenge; standard mode carries no signed evidence and so
// cannot echo a nonce.
func (p *Provider) Attest(challenge []byte) (*attestation.Artifact, error) {
	return &attestation.Artifact{
		Mode:      attestation.Standard,
		PublicKey: p.publicKey,
	}, nil
}
