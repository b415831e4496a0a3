package nitro

import (
	"fmt"

	"github.com/tee-rex/tee-rex/internal/attestation"
)

// Provider implements attestation.Provider for the "nitro" mode, binding
// the vault public key to the platform via a cached Device handle (C5).
type Provider struct {
	armoredPublicKey string
	publicKeyBytes   []byte
	device           Device
}

// NewProvider constructs a Provider backed by the process-wide cached
// Device, opening it via newDevice on first use (C5).
func NewProvider(armoredPublicKey string, publicKeyBytes []byte, newDevice func() (Device, error)) (*Provider, error) {
	dev, err := Open(newDevice)
	if err != nil {
		return nil, fmt.Errorf("nitro: opening attestation device: %w", err)
	}
	return NewProviderWithDevice(armoredPublicKey, publicKeyBytes, dev), nil
}

// NewProviderWithDevice constructs a Provider around an already-opened
// Device, bypassing the process-global cache. Production callers should
// prefer NewProvider; this is for callers (and tests) that manage their
// own Device lifetime.
func NewProviderWithDevice(armoredPublicKey string, publicKeyBytes []byte, device Device) *Provider {
	return &Provider{
		armoredPublicKey: armoredPublicKey,
		publicKeyBytes:   publicKeyBytes,
		device:           device,
	}
}

// Attest requests a signed document binding the vault public key (and
// echoing challenge as the document's nonce field, §4.2) and packs it into
// a COSE_Sign1 envelope.
func (p *Provider) Attest(challenge []byte) (*attestation.Artifact, error) {
	doc, protected, payload, sig, err := p.device.Attest(p.publicKeyBytes, challenge)
	if err != nil {
		return nil, fmt.Errorf("nitro: device attest: %w", err)
	}
	_ = doc

	packed, err := Pack(protected, payload, sig)
	if err != nil {
		return nil, err
	}

	return &attestation.Artifact{
		Mode:      attestation.Nitro,
		PublicKey: p.armoredPublicKey,
		Document:  packed,
	}, nil
}
