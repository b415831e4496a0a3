package nitro

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// sha384Sum returns the SHA-384 digest of data as a slice (ecdsa.Sign
// expects a pre-hashed digest).
func sha384Sum(data []byte) []byte {
	sum := sha512.Sum384(data)
	return sum[:]
}

// Device is the platform attestation interface the Attestation Provider
// talks to: a request carrying {publicKey, nonce?} and a response
// reproducing those fields inside a signed document (§4.2). The request has
// no user-data field, so Document.UserData is never set by this package.
//
// On real Nitro hardware this is the NSM (Nitro Secure Module) ioctl
// device, reachable only from inside an enclave and therefore not
// portable to a general-purpose Go module; production deployments supply
// their own Device wired to /dev/nsm. softwareDevice below is the dev/test
// implementation, signing with a self-generated chain rooted at an
// in-process CA — it stands in for the NSM exactly as the teacher's
// SoftwareEnclave stands in for a hardware enclave.
type Device interface {
	// Attest returns a signed Document plus the raw bytes needed to
	// reproduce the signature (protected header, encoded payload, and the
	// signature itself), for a request binding publicKey and nonce.
	Attest(publicKey, nonce []byte) (doc *Document, protected, payload, signature []byte, err error)
}

// handle is the process-global cached Device (C5): opened once, reused by
// every subsequent Attest call.
var (
	handleOnce sync.Once
	handle     Device
	handleErr  error
)

// Open returns the process-wide cached Device, constructing it on first
// use. Constructing a Device per request leaks file descriptors and will
// exhaust the process within minutes under polling (C5).
func Open(newDevice func() (Device, error)) (Device, error) {
	handleOnce.Do(func() {
		handle, handleErr = newDevice()
	})
	return handle, handleErr
}

// softwareDevice signs nitro-shaped documents with an in-process ECDSA
// P-384 certificate chain (root -> intermediate -> leaf), for development
// and test environments that have no real NSM device.
type softwareDevice struct {
	moduleID string
	pcrs     map[int][]byte

	leafKey  *ecdsa.PrivateKey
	leafCert []byte   // DER
	caBundle [][]byte // DER, root-first
	rootCert *x509.Certificate
}

// RootCertificate returns the self-generated root CA certificate, for
// wiring into the client Attestation Verifier's VendorRootCA in
// development and test (there is no real vendor root to default to
// outside real Nitro hardware; see DESIGN.md).
func (d *softwareDevice) RootCertificate() *x509.Certificate { return d.rootCert }

// NewSoftwareDevice builds a self-signed root -> intermediate -> leaf chain
// and returns a Device that signs with the leaf key, for use outside a real
// Nitro enclave. The returned value also implements RootCertificate().
func NewSoftwareDevice(moduleID string, pcrs map[int][]byte) (Device, error) {
	rootKey, rootCert, rootDER, err := issueCert("tee-rex dev root", nil, nil, true)
	if err != nil {
		return nil, fmt.Errorf("nitro: generating root CA: %w", err)
	}
	intKey, intCert, intDER, err := issueCert("tee-rex dev intermediate", rootCert, rootKey, true)
	if err != nil {
		return nil, fmt.Errorf("nitro: generating intermediate CA: %w", err)
	}
	leafKey, _, leafDER, err := issueCert("tee-rex dev enclave", intCert, intKey, false)
	if err != nil {
		return nil, fmt.Errorf("nitro: generating leaf cert: %w", err)
	}

	return &softwareDevice{
		moduleID: moduleID,
		pcrs:     pcrs,
		leafKey:  leafKey,
		leafCert: leafDER,
		caBundle: [][]byte{rootDER, intDER},
		rootCert: rootCert,
	}, nil
}

func (d *softwareDevice) Attest(publicKey, nonce []byte) (*Document, []byte, []byte, []byte, error) {
	doc := &Document{
		ModuleID:    d.moduleID,
		Digest:      digestSHA384,
		TimestampMS: uint64(time.Now().UnixMilli()),
		PCRs:        d.pcrs,
		Certificate: d.leafCert,
		CABundle:    d.caBundle,
		PublicKey:   publicKey,
		Nonce:       nonce,
	}

	payload, err := EncodeDocument(doc)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	protected, err := EncodeProtectedHeader()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	toSign, err := SigStructure(protected, payload)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	sig, err := signP384(d.leafKey, toSign)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return doc, protected, payload, sig, nil
}

// signP384 signs digest (after internal SHA-384 hashing) and returns the
// signature as fixed-length r||s (§4.6 step d: "not ASN.1").
func signP384(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	h := sha384Sum(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, h)
	if err != nil {
		return nil, fmt.Errorf("nitro: signing: %w", err)
	}
	return rsToFixed(r, s, 48), nil
}

// rsToFixed encodes r and s as two big-endian, zero-padded fields of size
// bytes each.
func rsToFixed(r, s *big.Int, size int) []byte {
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

// issueCert issues a P-384 certificate named cn. When parent/parentKey are
// nil, the certificate is self-signed (the root); otherwise it is signed by
// parent's key, chaining it under parent.
func issueCert(cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, isCA bool) (*ecdsa.PrivateKey, *x509.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, nil, err
	}

	keyUsage := x509.KeyUsageDigitalSignature
	if isCA {
		keyUsage |= x509.KeyUsageCertSign
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              keyUsage,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}

	signerCert := tmpl
	signerKey := key
	if parent != nil && parentKey != nil {
		signerCert = parent
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	return key, cert, der, nil
}
