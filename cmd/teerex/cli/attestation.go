package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tee-rex/tee-rex/internal/config"
	"github.com/tee-rex/tee-rex/internal/proverclient"
	"github.com/tee-rex/tee-rex/internal/verify"
)

var (
	attestationServer string
	attestationConfig string
	attestationNonce   bool
)

var attestationCmd = &cobra.Command{
	Use:   "attestation",
	Short: "Fetch and verify an enclave's attestation artifact",
	Long: `Fetches GET /attestation from a running tee-rex enclave, verifies it
against an Attestation Verifier config (see 'teerex config init'), and
prints the bound public key on success.

Examples:
  teerex attestation --server https://prove.example.com
  teerex attestation --server https://prove.example.com --verifier-config verifier.hcl`,
	RunE: runAttestation,
}

func init() {
	attestationCmd.Flags().StringVar(&attestationServer, "server", "", "tee-rex enclave base URL")
	attestationCmd.Flags().StringVar(&attestationConfig, "verifier-config", "", "path to an HCL Attestation Verifier config (omit to accept standard-mode only)")
	attestationCmd.Flags().BoolVar(&attestationNonce, "nonce", true, "send a fresh random nonce to defeat replay")
	attestationCmd.MarkFlagRequired("server")
}

func runAttestation(cmd *cobra.Command, args []string) error {
	server := strings.TrimRight(attestationServer, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		return fmt.Errorf("--server URL must start with http:// or https://")
	}

	verifyCfg := verify.Config{}
	if attestationConfig != "" {
		loaded, err := config.LoadVerifierConfig(attestationConfig)
		if err != nil {
			return fmt.Errorf("loading verifier config: %w", err)
		}
		verifyCfg = loaded
	}

	var nonce []byte
	if attestationNonce {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generating nonce: %w", err)
		}
	}

	client := proverclient.New(server, verifyCfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := client.FetchAttestation(ctx, nonce)
	if err != nil {
		return fmt.Errorf("attestation verification failed: %w", err)
	}

	fmt.Printf("attestation verified\n")
	fmt.Printf("  public key: %s\n", result.PublicKey)
	if attestationNonce {
		fmt.Printf("  nonce:      %s\n", base64.StdEncoding.EncodeToString(nonce))
	}
	return nil
}
