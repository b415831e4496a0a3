package verify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/attestation/nitro"
	"github.com/tee-rex/tee-rex/internal/vault"
)

// verifyNitro implements §4.6's "nitro" branch, steps (a)-(h).
func verifyNitro(artifact *attestation.Artifact, cfg Config, now time.Time) (*Result, error) {
	env, err := nitro.ParseEnvelope(artifact.Document) // (a),(b)
	if err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}
	doc := env.Document

	if cfg.VendorRootCA == nil {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "CHAIN_FAILED", "no vendor root CA configured")
	}
	if err := verifyChain(doc.Certificate, doc.CABundle, cfg.VendorRootCA, now); err != nil { // (c)
		return nil, apperr.NewReason(apperr.AttestationInvalid, "CHAIN_FAILED", err.Error())
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "CHAIN_FAILED", "parsing leaf certificate: "+err.Error())
	}
	leafKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "CHAIN_FAILED", "leaf key is not ECDSA")
	}

	toSign, err := nitro.SigStructure(env.Protected, env.Payload) // (d)
	if err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}
	if len(env.Signature) != 96 {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "SIGNATURE_MALFORMED", "expected 96-byte fixed r||s")
	}
	r := new(big.Int).SetBytes(env.Signature[:48])
	s := new(big.Int).SetBytes(env.Signature[48:])
	digest := sha512.Sum384(toSign)
	if !ecdsa.Verify(leafKey, digest[:], r, s) {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "SIGNATURE_INVALID", "signature did not verify")
	}

	docTime := time.UnixMilli(int64(doc.TimestampMS)) // (e)
	if now.Sub(docTime) > cfg.maxAge()+cfg.clockSkew() {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "EXPIRED", fmt.Sprintf("document age %s exceeds max %s", now.Sub(docTime), cfg.maxAge()+cfg.clockSkew()))
	}

	if err := checkPCRs(doc.PCRs, cfg.ExpectedMeasurements); err != nil { // (f)
		return nil, err
	}

	if cfg.ExpectedNonce != nil { // (g)
		if !bytes.Equal(doc.Nonce, cfg.ExpectedNonce) {
			return nil, apperr.New(apperr.AttestationNonceMismatch, "nonce absent or mismatched")
		}
	}

	if len(doc.PublicKey) > 0 { // (h), binding check for I2
		_, rawArmored, err := vault.Unarmor(artifact.PublicKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.AttestationInvalid, err)
		}
		if !bytes.Equal(doc.PublicKey, rawArmored) {
			return nil, apperr.NewReason(apperr.AttestationInvalid, "KEY_BINDING_MISMATCH", "document public_key does not match artifact public key")
		}
	}

	return &Result{PublicKey: artifact.PublicKey}, nil
}

// checkPCRs requires exact match on every supplied expected slot (§4.6
// step f, P5).
func checkPCRs(actual map[int][]byte, expected map[string][]byte) error {
	for slotStr, want := range expected {
		slot, err := strconv.Atoi(slotStr)
		if err != nil {
			continue // non-numeric keys belong to other modes (e.g. sgx's "enclave")
		}
		got, ok := actual[slot]
		if !ok || !bytes.Equal(got, want) {
			return apperr.New(apperr.AttestationMeasurementMismatch, fmt.Sprintf("PCR%d mismatch", slot))
		}
	}
	return nil
}

// verifyChain walks root -> intermediates (in CABundle order) -> leaf,
// checking self-signature on the root, signature links, and each
// certificate's validity window (§4.6 step c).
func verifyChain(leafDER []byte, caBundleDER [][]byte, trustAnchor *x509.Certificate, now time.Time) error {
	if len(caBundleDER) == 0 {
		return fmt.Errorf("empty CA bundle")
	}

	root, err := x509.ParseCertificate(caBundleDER[0])
	if err != nil {
		return fmt.Errorf("parsing root: %w", err)
	}
	if !root.Equal(trustAnchor) {
		return fmt.Errorf("root certificate does not match configured trust anchor")
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("root is not self-signed: %w", err)
	}
	if now.Before(root.NotBefore) || now.After(root.NotAfter) {
		return fmt.Errorf("root certificate outside validity window")
	}

	chain := make([]*x509.Certificate, 0, len(caBundleDER)+1)
	chain = append(chain, root)
	for i := 1; i < len(caBundleDER); i++ {
		cert, err := x509.ParseCertificate(caBundleDER[i])
		if err != nil {
			return fmt.Errorf("parsing intermediate %d: %w", i, err)
		}
		chain = append(chain, cert)
	}

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return fmt.Errorf("parsing leaf: %w", err)
	}
	chain = append(chain, leaf)

	for i := 1; i < len(chain); i++ {
		child, signer := chain[i], chain[i-1]
		if now.Before(child.NotBefore) || now.After(child.NotAfter) {
			return fmt.Errorf("certificate %d outside validity window", i)
		}
		if err := child.CheckSignatureFrom(signer); err != nil {
			return fmt.Errorf("certificate %d not signed by certificate %d: %w", i, i-1, err)
		}
	}

	return nil
}
