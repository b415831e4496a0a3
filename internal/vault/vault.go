// Package vault implements the Key Vault: the single per-enclave asymmetric
// keypair. The private half is generated from the process's hardware RNG at
// construction and never leaves this package; it is not persisted and there
// is no rotation (§4.1, I1).
package vault

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/envelope"
)

// armorPrefix marks the interoperable text form of a vault public key.
const armorPrefix = "teerex1:"

// Vault holds the enclave's single asymmetric keypair and answers decrypt
// requests against it. Safe for concurrent use (C3): Decrypt serializes
// access with a mutex, since the stdlib crypto/ecdh implementation does not
// document concurrent-safe ECDH on a shared *PrivateKey.
type Vault struct {
	curve   envelope.Curve
	priv    *ecdh.PrivateKey
	armored string

	mu sync.Mutex
}

// New generates a fresh keypair in-process for curve. Call once per enclave
// instance, before the Attestation Provider is queried.
func New(curve envelope.Curve) (*Vault, error) {
	var ec ecdh.Curve
	switch curve {
	case envelope.X25519:
		ec = ecdh.X25519()
	case envelope.P256:
		ec = ecdh.P256()
	default:
		return nil, fmt.Errorf("vault: unknown curve tag %d", curve)
	}

	priv, err := ec.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vault: generating keypair: %w", err)
	}

	v := &Vault{curve: curve, priv: priv}
	v.armored = armor(curve, priv.PublicKey().Bytes())
	return v, nil
}

// PublicKey returns the armored public half (§4.1).
func (v *Vault) PublicKey() string { return v.armored }

// PublicKeyBytes returns the raw public key bytes, used to bind
// attestation artifacts to this vault's identity (§4.2, I2).
func (v *Vault) PublicKeyBytes() []byte { return v.priv.PublicKey().Bytes() }

// Curve reports which curve this vault's keypair uses.
func (v *Vault) Curve() envelope.Curve { return v.curve }

// Decrypt opens an envelope produced against this vault's public key.
// Returns apperr.InvalidEnvelope if the bytes are too short to be an
// envelope, or apperr.AuthenticationFailed if any authentication check
// fails (I4).
func (v *Vault) Decrypt(env []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	plaintext, err := envelope.Decrypt(v.priv, v.curve, env)
	if err != nil {
		if err == envelope.ErrMalformedEnvelope {
			return nil, apperr.New(apperr.InvalidEnvelope, err.Error())
		}
		return nil, apperr.Wrap(apperr.AuthenticationFailed, err)
	}
	return plaintext, nil
}

// armor renders a raw public key as the interoperable text form: a fixed
// prefix, a one-byte curve tag, and the raw key bytes, all base64 encoded.
func armor(curve envelope.Curve, raw []byte) string {
	buf := make([]byte, 0, 1+len(raw))
	buf = append(buf, byte(curve))
	buf = append(buf, raw...)
	return armorPrefix + base64.StdEncoding.EncodeToString(buf)
}

// Unarmor parses the text form produced by armor/PublicKey back into a
// curve tag and raw key bytes.
func Unarmor(armored string) (envelope.Curve, []byte, error) {
	rest, ok := strings.CutPrefix(armored, armorPrefix)
	if !ok {
		return 0, nil, fmt.Errorf("vault: missing %q prefix", armorPrefix)
	}
	buf, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return 0, nil, fmt.Errorf("vault: invalid base64: %w", err)
	}
	if len(buf) < 2 {
		return 0, nil, fmt.Errorf("vault: armored key too short")
	}
	return envelope.Curve(buf[0]), buf[1:], nil
}
