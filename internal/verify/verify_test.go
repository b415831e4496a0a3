package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/attestation/nitro"
	"github.com/tee-rex/tee-rex/internal/attestation/sgx"
	"github.com/tee-rex/tee-rex/internal/envelope"
	"github.com/tee-rex/tee-rex/internal/vault"
)

type rootCertProvider interface {
	RootCertificate() *x509.Certificate
}

// nitroFixture builds an isolated nitro Provider plus a Config trusting its
// self-generated root, bypassing the process-global Device cache.
func nitroFixture(t *testing.T, pcrs map[int][]byte) (*attestation.Artifact, Config) {
	t.Helper()

	dev, err := nitro.NewSoftwareDevice("tee-rex-test", pcrs)
	if err != nil {
		t.Fatalf("NewSoftwareDevice: %v", err)
	}
	root, ok := dev.(rootCertProvider)
	if !ok {
		t.Fatal("software device does not expose RootCertificate")
	}

	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	provider := nitro.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev)

	artifact, err := provider.Attest([]byte("test-nonce"))
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	cfg := Config{
		VendorRootCA:         root.RootCertificate(),
		ExpectedNonce:        []byte("test-nonce"),
		ExpectedMeasurements: map[string][]byte{},
	}
	for slot, val := range pcrs {
		cfg.ExpectedMeasurements[itoa(slot)] = val
	}
	return artifact, cfg
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{byte('0' + i%10)}, buf...)
		i /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestVerify_Standard_RequireAttestation(t *testing.T) {
	artifact := &attestation.Artifact{Mode: attestation.Standard, PublicKey: "teerex1:abcd"}

	if _, err := Verify(artifact, Config{RequireAttestation: true}); err == nil {
		t.Fatal("expected AttestationRequired")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationRequired {
		t.Fatalf("expected AttestationRequired, got %v", err)
	}

	res, err := Verify(artifact, Config{RequireAttestation: false})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.PublicKey != artifact.PublicKey {
		t.Fatal("expected public key passthrough")
	}
}

func TestVerify_Nitro_RoundTrip(t *testing.T) {
	pcrs := map[int][]byte{0: bytes.Repeat([]byte{0xaa}, 48)}
	artifact, cfg := nitroFixture(t, pcrs)

	res, err := Verify(artifact, cfg)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.PublicKey != artifact.PublicKey {
		t.Fatal("public key mismatch")
	}
}

// TestVerify_Nitro_Expired exercises P3: an artifact older than the
// configured freshness window must be rejected with AttestationInvalid/EXPIRED.
func TestVerify_Nitro_Expired(t *testing.T) {
	pcrs := map[int][]byte{0: bytes.Repeat([]byte{0xaa}, 48)}
	artifact, cfg := nitroFixture(t, pcrs)

	// A document timestamped in the past beyond any configured max age must
	// be rejected regardless of how it was produced; evaluate verifyNitro
	// directly against a forged "now" far past the document's timestamp
	// rather than racing the clock with a near-zero MaxAge.
	future := time.Now().Add(time.Hour)

	if _, err := verifyNitro(artifact, cfg, future); err == nil {
		t.Fatal("expected expiry rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationInvalid || ce.Reason != "EXPIRED" {
		t.Fatalf("expected AttestationInvalid/EXPIRED, got %v", err)
	}
}

// TestVerify_Nitro_UntrustedChain exercises P4: a chain rooted at a CA other
// than the configured trust anchor must be rejected as CHAIN_FAILED.
func TestVerify_Nitro_UntrustedChain(t *testing.T) {
	pcrs := map[int][]byte{0: bytes.Repeat([]byte{0xaa}, 48)}
	artifact, cfg := nitroFixture(t, pcrs)

	otherDev, err := nitro.NewSoftwareDevice("tee-rex-other", pcrs)
	if err != nil {
		t.Fatalf("NewSoftwareDevice: %v", err)
	}
	otherRoot, ok := otherDev.(rootCertProvider)
	if !ok {
		t.Fatal("software device does not expose RootCertificate")
	}
	cfg.VendorRootCA = otherRoot.RootCertificate()

	if _, err := Verify(artifact, cfg); err == nil {
		t.Fatal("expected chain rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationInvalid || ce.Reason != "CHAIN_FAILED" {
		t.Fatalf("expected AttestationInvalid/CHAIN_FAILED, got %v", err)
	}
}

// TestVerify_Nitro_MeasurementMismatch exercises P5: a single mismatched PCR
// byte must be rejected as AttestationMeasurementMismatch.
func TestVerify_Nitro_MeasurementMismatch(t *testing.T) {
	pcrs := map[int][]byte{0: bytes.Repeat([]byte{0xaa}, 48)}
	artifact, cfg := nitroFixture(t, pcrs)

	wrong := bytes.Repeat([]byte{0xaa}, 48)
	wrong[0] ^= 0x01
	cfg.ExpectedMeasurements["0"] = wrong

	if _, err := Verify(artifact, cfg); err == nil {
		t.Fatal("expected measurement mismatch rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationMeasurementMismatch {
		t.Fatalf("expected AttestationMeasurementMismatch, got %v", err)
	}
}

// TestVerify_Nitro_NonceMismatch exercises the replay-rejection scenario: a
// verifier expecting a fresh nonce rejects an artifact echoing a stale one.
func TestVerify_Nitro_NonceMismatch(t *testing.T) {
	pcrs := map[int][]byte{0: bytes.Repeat([]byte{0xaa}, 48)}
	artifact, cfg := nitroFixture(t, pcrs)
	cfg.ExpectedNonce = []byte("a-different-nonce")

	if _, err := Verify(artifact, cfg); err == nil {
		t.Fatal("expected nonce mismatch rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationNonceMismatch {
		t.Fatalf("expected AttestationNonceMismatch, got %v", err)
	}
}

// TestVerify_SGX_ReportDataBinding exercises the SGX report_data binding
// check (P6 counterpart): the appraisal service's asserted report_data must
// start with SHA-256(public key).
func TestVerify_SGX_ReportDataBinding(t *testing.T) {
	encl, signer := sgx.DefaultSoftwareMeasurements("test-module")
	dev := sgx.NewSoftwareDevice(encl, signer)

	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	provider := sgx.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev)
	artifact, err := provider.Attest(nil)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	quote, err := sgx.ParseQuote(artifact.Document)
	if err != nil {
		t.Fatalf("ParseQuote: %v", err)
	}

	restore := stubAppraisal(t, &appraisalClaims{
		MeasurementEnclave: hexEncode(encl[:]),
		MeasurementSigner:  hexEncode(signer[:]),
		ReportData:         hexEncode(quote.ReportData[:]),
	})
	defer restore()

	cfg := Config{
		AppraisalEndpoint:         "http://fake.invalid/appraise",
		ExpectedMeasurements:      map[string][]byte{"enclave": encl[:]},
		ExpectedSignerMeasurement: signer[:],
	}

	res, err := Verify(artifact, cfg)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.PublicKey != artifact.PublicKey {
		t.Fatal("public key mismatch")
	}
}

// TestVerify_SGX_ReportDataMismatch exercises P6: a report_data that does not
// start with SHA-256(public key) must be rejected.
func TestVerify_SGX_ReportDataMismatch(t *testing.T) {
	encl, signer := sgx.DefaultSoftwareMeasurements("test-module")
	dev := sgx.NewSoftwareDevice(encl, signer)

	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	provider := sgx.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev)
	artifact, err := provider.Attest(nil)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	var garbage [64]byte
	restore := stubAppraisal(t, &appraisalClaims{
		MeasurementEnclave: hexEncode(encl[:]),
		MeasurementSigner:  hexEncode(signer[:]),
		ReportData:         hexEncode(garbage[:]),
	})
	defer restore()

	cfg := Config{AppraisalEndpoint: "http://fake.invalid/appraise"}

	if _, err := Verify(artifact, cfg); err == nil {
		t.Fatal("expected report_data mismatch rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationInvalid || ce.Reason != "REPORT_DATA_MISMATCH" {
		t.Fatalf("expected AttestationInvalid/REPORT_DATA_MISMATCH, got %v", err)
	}
}

// TestVerify_SGX_MeasurementMismatch covers the sgx counterpart of P5.
func TestVerify_SGX_MeasurementMismatch(t *testing.T) {
	encl, signer := sgx.DefaultSoftwareMeasurements("test-module")
	dev := sgx.NewSoftwareDevice(encl, signer)

	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	provider := sgx.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev)
	artifact, err := provider.Attest(nil)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	quote, err := sgx.ParseQuote(artifact.Document)
	if err != nil {
		t.Fatalf("ParseQuote: %v", err)
	}

	restore := stubAppraisal(t, &appraisalClaims{
		MeasurementEnclave: hexEncode(encl[:]),
		MeasurementSigner:  hexEncode(signer[:]),
		ReportData:         hexEncode(quote.ReportData[:]),
	})
	defer restore()

	wrongEnclave := make([]byte, 32)
	copy(wrongEnclave, encl[:])
	wrongEnclave[0] ^= 0x01

	cfg := Config{
		AppraisalEndpoint:    "http://fake.invalid/appraise",
		ExpectedMeasurements: map[string][]byte{"enclave": wrongEnclave},
	}

	if _, err := Verify(artifact, cfg); err == nil {
		t.Fatal("expected measurement mismatch rejection")
	} else if ce, ok := apperr.As(err); !ok || ce.Code != apperr.AttestationMeasurementMismatch {
		t.Fatalf("expected AttestationMeasurementMismatch, got %v", err)
	}
}

// stubAppraisal replaces the package-level verifyAppraisal hook with one
// that returns claims directly, avoiding the need for a real JWKS-backed
// appraisal service in unit tests. Returns a func to restore the original.
func stubAppraisal(t *testing.T, claims *appraisalClaims) func() {
	t.Helper()
	orig := verifyAppraisal
	verifyAppraisal = func(ctx context.Context, cfg Config, quote []byte) (*appraisalClaims, error) {
		return claims, nil
	}
	return func() { verifyAppraisal = orig }
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
