// Package envelope implements the Envelope Codec: hybrid encryption that
// binds a client payload to the vault's public key. A fresh ephemeral
// keypair is exchanged with the recipient's static public key (HPKE-style),
// the shared secret is stretched with HKDF, and the payload is sealed under
// an AEAD keyed by the result. Tampering with any byte of the envelope
// causes AEAD authentication to fail.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Curve identifies which asymmetric curve backs a vault keypair.
type Curve byte

const (
	// X25519 is the preferred curve (§4.1); AEAD is ChaCha20-Poly1305.
	X25519 Curve = 1
	// P256 is the required fallback on platforms lacking Curve25519
	// (the SGX quoting library in particular); AEAD is AES-256-GCM.
	P256 Curve = 2
)

const hkdfInfo = "tee-rex-envelope-v1"

const (
	nonceSize = chacha20poly1305.NonceSize // 12, shared by both AEAD choices here
	x25519PubLen = 32
	p256PubLen   = 65 // uncompressed SEC1 point
)

// ErrMalformedEnvelope indicates the envelope bytes could not be parsed.
var ErrMalformedEnvelope = fmt.Errorf("envelope: malformed")

// Encrypt seals plaintext to recipientPub, which must be the raw public key
// bytes matching curve's length (32 bytes for X25519, 65 for P256).
func Encrypt(curve Curve, recipientPub []byte, plaintext []byte) ([]byte, error) {
	ec, err := curveFor(curve)
	if err != nil {
		return nil, err
	}
	recipient, err := ec.NewPublicKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid recipient key: %w", err)
	}

	ephPriv, err := ec.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generating ephemeral key: %w", err)
	}
	shared, err := ephPriv.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("envelope: ECDH: %w", err)
	}

	ephPub := ephPriv.PublicKey().Bytes()
	aead, err := aeadFor(curve, shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+len(ephPub)+nonceSize+len(sealed))
	out = append(out, byte(curve))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt against the recipient's
// static private key. Returns ErrMalformedEnvelope if the envelope is too
// short to hold its header, or an authentication error if the curve tag does
// not match, the ephemeral key is invalid, or the AEAD tag check fails.
func Decrypt(priv *ecdh.PrivateKey, curve Curve, envelope []byte) ([]byte, error) {
	ec, err := curveFor(curve)
	if err != nil {
		return nil, err
	}

	pubLen := pubKeyLen(curve)
	minLen := 1 + pubLen + nonceSize
	if len(envelope) < minLen {
		return nil, ErrMalformedEnvelope
	}
	if Curve(envelope[0]) != curve {
		return nil, fmt.Errorf("envelope: authentication failed: curve tag %d does not match key", envelope[0])
	}

	ephPubBytes := envelope[1 : 1+pubLen]
	nonce := envelope[1+pubLen : 1+pubLen+nonceSize]
	ciphertext := envelope[1+pubLen+nonceSize:]

	ephPub, err := ec.NewPublicKey(ephPubBytes)
	if err != nil {
		return nil, fmt.Errorf("envelope: authentication failed: %w", err)
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: ECDH: %w", err)
	}

	recipientPub := priv.PublicKey().Bytes()
	aead, err := aeadFor(curve, shared, ephPubBytes, recipientPub)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: authentication failed: %w", err)
	}
	return plaintext, nil
}

func pubKeyLen(curve Curve) int {
	if curve == P256 {
		return p256PubLen
	}
	return x25519PubLen
}

func curveFor(curve Curve) (ecdh.Curve, error) {
	switch curve {
	case X25519:
		return ecdh.X25519(), nil
	case P256:
		return ecdh.P256(), nil
	default:
		return nil, fmt.Errorf("envelope: unknown curve tag %d", curve)
	}
}

// aeadFor derives the symmetric key from the ECDH shared secret via
// HKDF-SHA256, binding the ephemeral and recipient public keys into the
// info parameter for domain separation, then constructs the AEAD
// appropriate to curve.
func aeadFor(curve Curve, shared, ephPub, recipientPub []byte) (cipher.AEAD, error) {
	info := append([]byte(hkdfInfo), ephPub...)
	info = append(info, recipientPub...)

	keySize := chacha20poly1305.KeySize
	if curve == P256 {
		keySize = 32 // AES-256
	}

	kdf := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("envelope: HKDF expand: %w", err)
	}

	if curve == P256 {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: AES init: %w", err)
		}
		return cipher.NewGCM(block)
	}
	return chacha20poly1305.New(key)
}
