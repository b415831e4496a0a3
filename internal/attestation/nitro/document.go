// Package nitro implements the AWS Nitro Enclave style Attestation Provider:
// a COSE_Sign1-wrapped CBOR document binding the vault public key to PCR
// measurements, signed by a certificate chain rooted at the platform
// vendor's root CA (§3, §4.2).
package nitro

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE_Sign1 constants (RFC 8152 §4.2, AWS Nitro's fixed choice of ES384).
const (
	coseSign1Tag   = 18
	coseAlgES384   = -35
	coseHeaderAlg  = 1
	digestSHA384   = "SHA384"
)

// Document is the CBOR payload embedded inside the COSE_Sign1 envelope
// (§3 "nitro" variant).
type Document struct {
	ModuleID    string         `cbor:"module_id"`
	Digest      string         `cbor:"digest"`
	TimestampMS uint64         `cbor:"timestamp"`
	PCRs        map[int][]byte `cbor:"pcrs"`
	Certificate []byte         `cbor:"certificate"`
	CABundle    [][]byte       `cbor:"cabundle"`
	PublicKey   []byte         `cbor:"public_key,omitempty"`
	UserData    []byte         `cbor:"user_data,omitempty"`
	Nonce       []byte         `cbor:"nonce,omitempty"`
}

// protectedHeader is the COSE protected header map, CBOR-encoded separately
// and carried as an opaque byte string inside the Sign1 structure.
type protectedHeader struct {
	Alg int `cbor:"1,keyasint"`
}

// sign1 mirrors the COSE_Sign1 four-element array:
// [protected, unprotected, payload, signature].
type sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]any
	Payload     []byte
	Signature   []byte
}

// Envelope is a parsed, tag-18 COSE_Sign1 structure wrapping a Document.
type Envelope struct {
	Protected []byte // CBOR-encoded protected header (input to the sig digest)
	Payload   []byte // CBOR-encoded Document (input to the sig digest)
	Signature []byte // fixed-length ECDSA r||s over Sig_structure(Protected, Payload)
	Document  *Document
}

// EncodeDocument CBOR-encodes doc.
func EncodeDocument(doc *Document) ([]byte, error) {
	b, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("nitro: encoding document: %w", err)
	}
	return b, nil
}

// Pack wraps protected/payload/signature into a tagged COSE_Sign1 byte
// string, as served in Artifact.Document and over the wire.
func Pack(protected, payload, signature []byte) ([]byte, error) {
	body := sign1{Protected: protected, Payload: payload, Signature: signature}
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("nitro: encoding COSE_Sign1: %w", err)
	}
	tagged, err := cbor.Marshal(cbor.Tag{Number: coseSign1Tag, Content: cbor.RawMessage(raw)})
	if err != nil {
		return nil, fmt.Errorf("nitro: tagging COSE_Sign1: %w", err)
	}
	return tagged, nil
}

// EncodeProtectedHeader returns the fixed protected header (alg: ES384).
func EncodeProtectedHeader() ([]byte, error) {
	b, err := cbor.Marshal(protectedHeader{Alg: coseAlgES384})
	if err != nil {
		return nil, fmt.Errorf("nitro: encoding protected header: %w", err)
	}
	return b, nil
}

// ParseEnvelope decodes a tag-18 COSE_Sign1 byte string into its four
// elements and decodes the embedded Document.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("nitro: decoding outer tag: %w", err)
	}
	if tag.Number != coseSign1Tag {
		return nil, fmt.Errorf("nitro: expected COSE_Sign1 tag %d, got %d", coseSign1Tag, tag.Number)
	}

	var body sign1
	if err := cbor.Unmarshal(tag.Content, &body); err != nil {
		return nil, fmt.Errorf("nitro: decoding COSE_Sign1 array: %w", err)
	}

	var doc Document
	if err := cbor.Unmarshal(body.Payload, &doc); err != nil {
		return nil, fmt.Errorf("nitro: decoding document payload: %w", err)
	}

	return &Envelope{
		Protected: body.Protected,
		Payload:   body.Payload,
		Signature: body.Signature,
		Document:  &doc,
	}, nil
}

// SigStructure builds the canonical Sig_structure bytes covered by the
// signature: ["Signature1", protected, external_aad, payload], with an
// empty external_aad (§4.6 step d).
func SigStructure(protected, payload []byte) ([]byte, error) {
	b, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		return nil, fmt.Errorf("nitro: encoding Sig_structure: %w", err)
	}
	return b, nil
}
