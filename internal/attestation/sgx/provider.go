package sgx

import (
	"crypto/sha256"
	"fmt"

	"github.com/tee-rex/tee-rex/internal/attestation"
)

// Provider implements attestation.Provider for the "sgx" mode.
type Provider struct {
	armoredPublicKey string
	publicKeyBytes   []byte
	device           Device
}

// NewProvider constructs a Provider backed by the process-wide cached
// Device, opening it via newDevice on first use.
func NewProvider(armoredPublicKey string, publicKeyBytes []byte, newDevice func() (Device, error)) (*Provider, error) {
	dev, err := Open(newDevice)
	if err != nil {
		return nil, fmt.Errorf("sgx: opening attestation device: %w", err)
	}
	return NewProviderWithDevice(armoredPublicKey, publicKeyBytes, dev), nil
}

// NewProviderWithDevice constructs a Provider around an already-opened
// Device, bypassing the process-global cache; see nitro's equivalent for
// rationale.
func NewProviderWithDevice(armoredPublicKey string, publicKeyBytes []byte, device Device) *Provider {
	return &Provider{
		armoredPublicKey: armoredPublicKey,
		publicKeyBytes:   publicKeyBytes,
		device:           device,
	}
}

// Attest writes SHA-256(publicKey) into the leading 32 bytes of the
// report_data field and requests a quote over it (§4.2). challenge is
// accepted for interface symmetry with other variants but is not part of
// the SGX report_data binding per spec.md's component design.
func (p *Provider) Attest(challenge []byte) (*attestation.Artifact, error) {
	var reportData [reportDataSize]byte
	h := sha256.Sum256(p.publicKeyBytes)
	copy(reportData[:32], h[:])

	quote, err := p.device.Quote(reportData)
	if err != nil {
		return nil, fmt.Errorf("sgx: device quote: %w", err)
	}

	return &attestation.Artifact{
		Mode:      attestation.SGX,
		PublicKey: p.armoredPublicKey,
		Document:  quote,
	}, nil
}

// DefaultSoftwareMeasurements derives reproducible dev/test measurement
// values from a module label, for environments with no SGX hardware.
func DefaultSoftwareMeasurements(label string) (enclave, signer [measurementSize]byte) {
	return measurementSeed(label + ":enclave"), measurementSeed(label + ":signer")
}
