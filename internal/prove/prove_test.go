package prove

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/shamaton/msgpack/v2"

	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/envelope"
	"github.com/tee-rex/tee-rex/internal/vault"
)

// fakeProver writes a shell script standing in for the native prover
// binary: it ignores every argument except -o (the --ivc_inputs_path file
// is not read) and writes a fixed two-field-element "proof" file into -o's
// directory.
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

func TestService_Handle_JSONMode(t *testing.T) {
	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	req := Request{ExecutionSteps: []ExecutionStep{{Witness: []byte{1, 2, 3}, Bytecode: []byte{4}, VK: []byte{5}}}}
	plaintext, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	env, err := envelope.Encrypt(v.Curve(), v.PublicKeyBytes(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	svc := New(v, Config{
		ScratchRoot: t.TempDir(),
		ProverPath:  fakeProver(t),
		CRSPath:     t.TempDir(),
	})

	out, err := svc.Handle(context.Background(), attestation.Standard, env)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(out) < 4 {
		t.Fatalf("output too short: %d bytes", len(out))
	}
	n := binary.BigEndian.Uint32(out[:4])
	if int(n)*32 != len(out)-4 {
		t.Fatalf("field count %d inconsistent with payload length %d", n, len(out)-4)
	}
}

// fakeProverCapturing is like fakeProver but also copies the materialized
// --ivc_inputs_path file to capturePath before scratchDir is removed, so the
// test can inspect exactly what Handle wrote to disk.
func fakeProverCapturing(t *testing.T, capturePath string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake prover script requires a POSIX shell")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "prover")
	script := "#!/bin/sh\n" +
		"out=\"\"\n" +
		"inputs=\"\"\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  case \"$1\" in\n" +
		"    -o) out=\"$2\"; shift 2 ;;\n" +
		"    --ivc_inputs_path) inputs=\"$2\"; shift 2 ;;\n" +
		"    *) shift ;;\n" +
		"  esac\n" +
		"done\n" +
		"cp \"$inputs\" \"" + capturePath + "\"\n" +
		"dd if=/dev/zero of=\"$out/proof\" bs=64 count=1 2>/dev/null\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake prover: %v", err)
	}
	return path
}

func TestService_Handle_SGXMode(t *testing.T) {
	v, err := vault.New(envelope.P256)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	req := Request{ExecutionSteps: []ExecutionStep{{Witness: []byte{1, 2, 3}, Bytecode: []byte{4}, VK: []byte{5}}}}
	plaintext, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("msgpack.Marshal request: %v", err)
	}

	env, err := envelope.Encrypt(v.Curve(), v.PublicKeyBytes(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	capturePath := filepath.Join(t.TempDir(), "captured-inputs")
	svc := New(v, Config{
		ScratchRoot: t.TempDir(),
		ProverPath:  fakeProverCapturing(t, capturePath),
		CRSPath:     t.TempDir(),
	})

	if _, err := svc.Handle(context.Background(), attestation.SGX, env); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	captured, err := os.ReadFile(capturePath)
	if err != nil {
		t.Fatalf("reading captured inputs: %v", err)
	}

	var decoded []ExecutionStep
	if err := msgpack.Unmarshal(captured, &decoded); err != nil {
		t.Fatalf("materialized scratch file is not valid msgpack: %v", err)
	}
	if len(decoded) != 1 || string(decoded[0].Witness) != "\x01\x02\x03" {
		t.Fatalf("unexpected decoded steps: %+v", decoded)
	}

	if json.Valid(captured) {
		t.Fatal("materialized scratch file looks like JSON, expected msgpack binary packing")
	}
}

func TestService_Handle_InvalidEnvelope(t *testing.T) {
	v, err := vault.New(envelope.X25519)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	svc := New(v, Config{ScratchRoot: t.TempDir(), ProverPath: fakeProver(t), CRSPath: t.TempDir()})

	if _, err := svc.Handle(context.Background(), attestation.Standard, []byte("not an envelope")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
