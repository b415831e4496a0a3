// tee-rex enclave process.
//
// Wires the Key Vault, an Attestation Provider selected by ATTESTATION_MODE,
// the Prove Service, the core HTTP surface, and the Enclave Bridge, then
// hands startup ordering and shutdown to the Runtime Supervisor.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/tee-rex/tee-rex/internal/apiserver"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/attestation/nitro"
	"github.com/tee-rex/tee-rex/internal/attestation/sgx"
	"github.com/tee-rex/tee-rex/internal/attestation/standard"
	"github.com/tee-rex/tee-rex/internal/auditlog"
	"github.com/tee-rex/tee-rex/internal/envelope"
	"github.com/tee-rex/tee-rex/internal/prove"
	"github.com/tee-rex/tee-rex/internal/ratelimit"
	"github.com/tee-rex/tee-rex/internal/supervisor"
	"github.com/tee-rex/tee-rex/internal/vault"
)

func main() {
	mode := attestation.Mode(getEnv("ATTESTATION_MODE", string(attestation.Standard)))
	innerAddr := getEnv("INNER_ADDR", "127.0.0.1:0")
	outerAddr := getEnv("OUTER_ADDR", ":4433")
	proverPath := requireEnv("PROVER_PATH")
	crsPath := requireEnv("CRS_PATH")
	scratchRoot := getEnv("SCRATCH_ROOT", os.TempDir())

	curve := envelope.X25519
	if mode == attestation.SGX {
		// The SGX quoting library in the teacher's pack has no Curve25519
		// support; fall back to the required P-256 path (§4.1).
		curve = envelope.P256
	}

	v, err := vault.New(curve)
	if err != nil {
		log.Fatalf("enclave: generating vault keypair: %v", err)
	}

	provider, err := newProvider(mode, v)
	if err != nil {
		log.Fatalf("enclave: constructing attestation provider: %v", err)
	}
	log.Printf("attestation provider ready: mode=%s", mode)

	proveSvc := prove.New(v, prove.Config{
		ScratchRoot: scratchRoot,
		ProverPath:  proverPath,
		CRSPath:     crsPath,
		Scheme:      getEnv("PROVER_SCHEME", "chonk"),
	})

	limiter, err := ratelimit.New(ratelimit.Config{
		RatePerSec:       rateFromEnv("RATE_LIMIT_PER_SEC", 5),
		Burst:            intFromEnv("RATE_LIMIT_BURST", 20),
		TrustHops:        intFromEnv("TRUST_HOPS", 0),
		TrustProxyHeader: boolFromEnv("TRUST_PROXY_HEADER", false),
	})
	if err != nil {
		log.Fatalf("enclave: constructing rate limiter: %v", err)
	}
	audit := auditlog.New()

	srv := apiserver.New(apiserver.Config{
		Vault:    v,
		Provider: provider,
		Mode:     mode,
		Prove:    proveSvc,
		Audit:    audit,
		Limiter:  limiter,
	})

	cfg := supervisor.Config{
		InnerAddr: innerAddr,
		Handler:   srv.Handler(),
		OuterAddr: outerAddr,
	}

	if err := supervisor.Run(context.Background(), cfg, devNull()); err != nil {
		log.Fatalf("enclave: %v", err)
	}
}

func newProvider(mode attestation.Mode, v *vault.Vault) (attestation.Provider, error) {
	switch mode {
	case attestation.Standard:
		return standard.New(v.PublicKey()), nil
	case attestation.Nitro:
		dev, err := nitro.NewSoftwareDevice(getEnv("NITRO_MODULE_ID", "tee-rex"), nil)
		if err != nil {
			return nil, fmt.Errorf("nitro: %w", err)
		}
		return nitro.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev), nil
	case attestation.SGX:
		enc, signer := sgx.DefaultSoftwareMeasurements(getEnv("SGX_MEASUREMENT_LABEL", "tee-rex"))
		dev := sgx.NewSoftwareDevice(enc, signer)
		return sgx.NewProviderWithDevice(v.PublicKey(), v.PublicKeyBytes(), dev), nil
	default:
		return nil, fmt.Errorf("unknown ATTESTATION_MODE %q", mode)
	}
}

func devNull() *os.File {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("enclave: opening %s: %v", os.DevNull, err)
	}
	return f
}

func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		fmt.Fprintf(os.Stderr, "Required environment variable %s is not set\n", key)
		os.Exit(1)
	}
	return val
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intFromEnv(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}

func boolFromEnv(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "1" || val == "true" || val == "TRUE"
}

func rateFromEnv(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var f float64
	if _, err := fmt.Sscanf(val, "%g", &f); err != nil {
		return defaultVal
	}
	return f
}
