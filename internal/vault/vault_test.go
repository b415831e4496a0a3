package vault

import (
	"bytes"
	"testing"

	"github.com/tee-rex/tee-rex/internal/envelope"
)

func TestVault_RoundTrip_X25519(t *testing.T) {
	v, err := New(envelope.X25519)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("abc")
	env, err := envelope.Encrypt(envelope.X25519, v.PublicKeyBytes(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := v.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestVault_RoundTrip_P256(t *testing.T) {
	v, err := New(envelope.P256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("the quick brown fox")
	env, err := envelope.Encrypt(envelope.P256, v.PublicKeyBytes(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := v.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

// TestVault_TamperedEnvelope covers P2: any single-bit perturbation of an
// envelope must fail authentication.
func TestVault_TamperedEnvelope(t *testing.T) {
	v, err := New(envelope.X25519)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env, err := envelope.Encrypt(envelope.X25519, v.PublicKeyBytes(), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for i := range env {
		tampered := bytes.Clone(env)
		tampered[i] ^= 0x01
		if _, err := v.Decrypt(tampered); err == nil {
			t.Fatalf("byte %d: expected AuthenticationFailed, got success", i)
		}
	}
}

func TestVault_ArmorRoundTrip(t *testing.T) {
	v, err := New(envelope.X25519)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	curve, raw, err := Unarmor(v.PublicKey())
	if err != nil {
		t.Fatalf("Unarmor: %v", err)
	}
	if curve != envelope.X25519 {
		t.Fatalf("curve mismatch: got %v", curve)
	}
	if !bytes.Equal(raw, v.PublicKeyBytes()) {
		t.Fatal("unarmored key does not match original")
	}
}

func TestVault_ConcurrentDecrypt(t *testing.T) {
	v, err := New(envelope.X25519)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 32
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			plaintext := []byte{byte(i)}
			env, err := envelope.Encrypt(envelope.X25519, v.PublicKeyBytes(), plaintext)
			if err != nil {
				done <- err
				return
			}
			got, err := v.Decrypt(env)
			if err != nil {
				done <- err
				return
			}
			if !bytes.Equal(got, plaintext) {
				done <- errMismatch
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent decrypt %d: %v", i, err)
		}
	}
}

var errMismatch = bytesMismatchErr{}

type bytesMismatchErr struct{}

func (bytesMismatchErr) Error() string { return "plaintext mismatch" }
