// Package config loads the Attestation Verifier's configuration from an HCL
// file (§6 "Attestation verifier inputs"), in the idiom of the teacher's
// policy document loader.
package config

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/tee-rex/tee-rex/internal/verify"
)

// hclMeasurement is one `measurement` block mapping a slot (a PCR index for
// nitro, or the literal "enclave"/"signer" for sgx) to a hex value.
type hclMeasurement struct {
	Slot  string `hcl:"slot,label"`
	Value string `hcl:"value"`
}

// hclVerifier is the top-level `verifier` block.
type hclVerifier struct {
	RequireAttestation  bool              `hcl:"require_attestation,optional"`
	Measurements        []hclMeasurement  `hcl:"measurement,block"`
	SignerMeasurement   string            `hcl:"signer_measurement,optional"`
	MaxAgeMs            int               `hcl:"max_age_ms,optional"`
	VendorRootCAPath    string            `hcl:"vendor_root_ca_path,optional"`
	AppraisalEndpoint   string            `hcl:"appraisal_endpoint,optional"`
	AppraisalJWKSURL    string            `hcl:"appraisal_jwks_url,optional"`
	AppraisalAPIKeyEnv  string            `hcl:"appraisal_api_key_env,optional"`
}

// hclFile is the document root: exactly one `verifier` block.
type hclFile struct {
	Verifier hclVerifier `hcl:"verifier,block"`
}

// LoadVerifierConfig reads and decodes an HCL attestation-verifier config
// file into a verify.Config.
//
// Example:
//
//	verifier {
//	  require_attestation = true
//	  vendor_root_ca_path = "/etc/tee-rex/aws-nitro-root.pem"
//	  max_age_ms          = 300000
//
//	  measurement "0" {
//	    value = "aaaa..." // hex PCR0
//	  }
//
//	  appraisal_endpoint = "https://appraisal.example.com/v1/attest"
//	  appraisal_jwks_url = "https://appraisal.example.com/.well-known/jwks.json"
//	}
func LoadVerifierConfig(path string) (verify.Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return verify.Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file hclFile
	if err := hclsimple.Decode(path, src, nil, &file); err != nil {
		return verify.Config{}, fmt.Errorf("config: parsing HCL: %w", err)
	}

	return fromHCL(file.Verifier)
}

func fromHCL(v hclVerifier) (verify.Config, error) {
	cfg := verify.Config{
		RequireAttestation: v.RequireAttestation,
		AppraisalEndpoint:  v.AppraisalEndpoint,
		AppraisalJWKSURL:   v.AppraisalJWKSURL,
	}

	if v.MaxAgeMs > 0 {
		cfg.MaxAge = time.Duration(v.MaxAgeMs) * time.Millisecond
	}

	if len(v.Measurements) > 0 {
		cfg.ExpectedMeasurements = make(map[string][]byte, len(v.Measurements))
		for _, m := range v.Measurements {
			raw, err := hex.DecodeString(m.Value)
			if err != nil {
				return verify.Config{}, fmt.Errorf("config: measurement %q: invalid hex: %w", m.Slot, err)
			}
			cfg.ExpectedMeasurements[m.Slot] = raw
		}
	}

	if v.SignerMeasurement != "" {
		raw, err := hex.DecodeString(v.SignerMeasurement)
		if err != nil {
			return verify.Config{}, fmt.Errorf("config: signer_measurement: invalid hex: %w", err)
		}
		cfg.ExpectedSignerMeasurement = raw
	}

	if v.VendorRootCAPath != "" {
		pemBytes, err := os.ReadFile(v.VendorRootCAPath)
		if err != nil {
			return verify.Config{}, fmt.Errorf("config: reading vendor root CA: %w", err)
		}
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return verify.Config{}, fmt.Errorf("config: vendor_root_ca_path: no PEM block found")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return verify.Config{}, fmt.Errorf("config: parsing vendor root CA: %w", err)
		}
		cfg.VendorRootCA = cert
	}

	if v.AppraisalAPIKeyEnv != "" {
		cfg.AppraisalAPIKey = os.Getenv(v.AppraisalAPIKeyEnv)
	}

	return cfg, nil
}
