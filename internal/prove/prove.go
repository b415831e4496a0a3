// Package prove implements the Prove Service: the per-request state machine
// that decrypts an envelope, materializes its payload to scratch files,
// invokes the native prover subprocess, and frames the result (§4.5).
package prove

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shamaton/msgpack/v2"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/vault"
)

const fieldElementSize = 32

// ExecutionStep is one step of the witness the prover consumes; shape
// mirrors §6's payload matrix (`executionSteps`, witness/bytecode/vk
// base64-encoded in the JSON encoding, packed directly in the msgpack one).
type ExecutionStep struct {
	Witness  []byte `json:"witness" msgpack:"witness"`
	Bytecode []byte `json:"bytecode" msgpack:"bytecode"`
	VK       []byte `json:"vk" msgpack:"vk"`
}

// Request is the decrypted, decoded Proof Request the prover subprocess
// consumes.
type Request struct {
	ExecutionSteps []ExecutionStep `json:"executionSteps" msgpack:"executionSteps"`
}

// decode parses a Proof Request according to §6's payload serialization
// matrix: UTF-8 JSON for standard/nitro, a msgpack-style binary packing for
// sgx.
func decode(mode attestation.Mode, raw []byte) (*Request, error) {
	var req Request
	var err error
	switch mode {
	case attestation.SGX:
		err = msgpack.Unmarshal(raw, &req)
	default:
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		return nil, fmt.Errorf("prove: decoding request payload: %w", err)
	}
	return &req, nil
}

// encode materializes execution steps in the same encoding decode parsed
// them from: the sgx prover ingests a self-describing binary (msgpack)
// packing directly, never a JSON round-trip (§6 payload matrix).
func encode(mode attestation.Mode, steps []ExecutionStep) ([]byte, error) {
	switch mode {
	case attestation.SGX:
		return msgpack.Marshal(steps)
	default:
		return json.Marshal(steps)
	}
}

// Config points the Prove Service at its scratch root and the native
// prover binary.
type Config struct {
	// ScratchRoot is the directory under which a fresh per-request
	// subdirectory is created and removed.
	ScratchRoot string
	// ProverPath is the path to the native prover executable.
	ProverPath string
	// CRSPath is exported as the prover subprocess's CRS_PATH environment
	// variable (§6: "baked into the enclave image").
	CRSPath string
	// Scheme is passed as --scheme to the prover (default "chonk").
	Scheme string
}

func (c Config) scheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return "chonk"
}

// Service ties a Key Vault to prover invocation.
type Service struct {
	vault *vault.Vault
	cfg   Config
}

// New constructs a Service bound to v for decryption.
func New(v *vault.Vault, cfg Config) *Service {
	return &Service{vault: v, cfg: cfg}
}

// Handle runs the full per-request state machine of §4.5 against an
// encrypted envelope, returning the framed proof bytes ([4-byte BE N || N×32
// bytes]) or a CodedError from apperr.
func (s *Service) Handle(ctx context.Context, mode attestation.Mode, envelope []byte) ([]byte, error) {
	plaintext, err := s.vault.Decrypt(envelope) // step 1-2
	if err != nil {
		return nil, err // already a *apperr.CodedError
	}

	req, err := decode(mode, plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidEnvelope, err)
	}

	scratchDir, err := os.MkdirTemp(s.cfg.ScratchRoot, "teerex-prove-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer os.RemoveAll(scratchDir) // step 6: cleanup on all exit paths

	inputsPath := filepath.Join(scratchDir, "inputs")
	outputDir := filepath.Join(scratchDir, "out")
	if err := os.Mkdir(outputDir, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, fmt.Errorf("creating output dir: %w", err))
	}

	inputBytes, err := encode(mode, req.ExecutionSteps) // step 3: materialize to a well-known path, same encoding decode used
	if err != nil {
		return nil, apperr.Wrap(apperr.ProverFailed, err)
	}
	if err := os.WriteFile(inputsPath, inputBytes, 0o600); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, fmt.Errorf("writing prover inputs: %w", err))
	}

	if err := s.runProver(ctx, inputsPath, outputDir); err != nil { // step 4
		return nil, err
	}

	proofPath := filepath.Join(outputDir, "proof")
	raw, err := os.ReadFile(proofPath) // step 5
	if err != nil {
		return nil, apperr.Wrap(apperr.ProverFailed, fmt.Errorf("reading prover output: %w", err))
	}
	if len(raw)%fieldElementSize != 0 {
		return nil, apperr.New(apperr.ProverFailed, fmt.Sprintf("prover output length %d not a multiple of %d", len(raw), fieldElementSize))
	}

	n := uint32(len(raw) / fieldElementSize)
	out := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(out[:4], n)
	copy(out[4:], raw)
	return out, nil
}

// runProver invokes the native prover as an argv-style subprocess (never a
// shell string, per §4.5 step 4).
func (s *Service) runProver(ctx context.Context, inputsPath, outputDir string) error {
	cmd := exec.CommandContext(ctx, s.cfg.ProverPath,
		"prove",
		"--scheme", s.cfg.scheme(),
		"--ivc_inputs_path", inputsPath,
		"-o", outputDir,
	)
	cmd.Env = append(os.Environ(), "CRS_PATH="+s.cfg.CRSPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &apperr.CodedError{
			Code:   apperr.ProverFailed,
			Detail: fmt.Sprintf("prover exited: %v; stderr: %s", err, stderr.String()),
			Err:    err,
		}
	}
	return nil
}
