package proverclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tee-rex/tee-rex/internal/apiserver"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/attestation/standard"
	"github.com/tee-rex/tee-rex/internal/envelope"
	"github.com/tee-rex/tee-rex/internal/prove"
	"github.com/tee-rex/tee-rex/internal/vault"
	"github.com/tee-rex/tee-rex/internal/verify"
)

// fakeProver stands in for the native prover binary; see internal/prove's
// test of the same name for the rationale.
func fakeProver(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake prover script requires a POSIX shell")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "prover")
	script := "#!/bin/sh\n" +
		"out=\"\"\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  case \"$1\" in\n" +
		"    -o) out=\"$2\"; shift 2 ;;\n" +
		"    *) shift ;;\n" +
		"  esac\n" +
		"done\n" +
		"python3 -c \"import sys; sys.stdout.buffer.write(b'\\\\x01'*32 + b'\\\\x02'*32)\" > \"$out/proof\" 2>/dev/null || " +
		"dd if=/dev/zero of=\"$out/proof\" bs=64 count=1 2>/dev/null\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake prover: %v", err)
	}
	return path
}

func TestClient_Prove_RoundTrip(t *testing.T) {
	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	provider := standard.New(v.PublicKey())
	svc := prove.New(v, prove.Config{ScratchRoot: t.TempDir(), ProverPath: fakeProver(t), CRSPath: t.TempDir()})
	srv := apiserver.New(apiserver.Config{Vault: v, Provider: provider, Mode: attestation.Standard, Prove: svc})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := New(ts.URL, verify.Config{})
	proof, err := client.Prove(context.Background(), []byte(`{"executionSteps":[]}`), nil)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if len(proof) < 4 {
		t.Fatalf("expected a framed proof, got %d bytes", len(proof))
	}
}

func TestClient_Prove_AttestationEndpointDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := New(ts.URL, verify.Config{})
	if _, err := client.Prove(context.Background(), []byte("data"), nil); err == nil {
		t.Fatal("expected error when attestation endpoint is unavailable")
	}
}
