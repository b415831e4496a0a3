// Package verify implements the client-side Attestation Verifier (§4.6):
// decode the attestation artifact, walk the trust chain or call the
// appraisal service, check freshness and measurements, and extract the
// bound public key. Dispatch is by artifact mode; per the design notes the
// three variants do not share verification substeps below the public-key
// extraction, so each lives in its own file rather than behind a forced
// common interface.
package verify

import (
	"crypto/x509"
	"log"
	"time"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
)

// defaultFreshness and defaultSkew are the default values from §4.6 step e.
const (
	defaultFreshness = 5 * time.Minute
	defaultSkew      = 30 * time.Second
)

// Config carries the Attestation Verifier's inputs (§6 "Attestation
// verifier inputs").
type Config struct {
	RequireAttestation bool

	// ExpectedMeasurements maps a nitro PCR slot index (as a decimal
	// string) to its expected raw value, or, for sgx, the special key
	// "enclave" to the expected raw measurement_enclave value.
	ExpectedMeasurements map[string][]byte
	// ExpectedSignerMeasurement is the sgx measurement_signer expectation.
	ExpectedSignerMeasurement []byte

	MaxAge          time.Duration // defaults to defaultFreshness
	ClockSkew       time.Duration // defaults to defaultSkew
	VendorRootCA    *x509.Certificate
	AppraisalEndpoint string
	AppraisalJWKSURL  string
	AppraisalAPIKey   string

	// ExpectedNonce, if non-nil, must match the artifact's echoed
	// challenge bytewise (§4.6 step g).
	ExpectedNonce []byte
}

func (c Config) maxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return defaultFreshness
}

func (c Config) clockSkew() time.Duration {
	if c.ClockSkew > 0 {
		return c.ClockSkew
	}
	return defaultSkew
}

// Result is what a successful Verify extracts from the artifact.
type Result struct {
	PublicKey string // armored
}

// Verify dispatches on artifact.Mode and runs that variant's verification
// algorithm (§4.6).
func Verify(artifact *attestation.Artifact, cfg Config) (*Result, error) {
	if artifact == nil {
		return nil, apperr.New(apperr.AttestationInvalid, "nil artifact")
	}

	switch artifact.Mode {
	case attestation.Standard:
		return verifyStandard(artifact, cfg)
	case attestation.Nitro:
		return verifyNitro(artifact, cfg, time.Now())
	case attestation.SGX:
		return verifySGX(artifact, cfg, time.Now())
	default:
		return nil, apperr.New(apperr.AttestationInvalid, "unknown mode "+string(artifact.Mode))
	}
}

// verifyStandard implements §4.6's "standard" branch: fail closed when the
// caller requires real attestation; otherwise pass the key through with a
// logged warning (the browser-client gap documented in §9).
func verifyStandard(artifact *attestation.Artifact, cfg Config) (*Result, error) {
	if cfg.RequireAttestation {
		return nil, apperr.New(apperr.AttestationRequired, "server reported standard mode")
	}
	log.Printf("WARNING: accepting unattested public key (standard mode); this is a trust downgrade")
	return &Result{PublicKey: artifact.PublicKey}, nil
}
