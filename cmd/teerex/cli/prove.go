package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tee-rex/tee-rex/internal/config"
	"github.com/tee-rex/tee-rex/internal/proverclient"
	"github.com/tee-rex/tee-rex/internal/verify"
)

var (
	proveServer           string
	proveConfig           string
	proveInput            string
	proveOutput           string
	promptAppraisalAPIKey bool
)

var proveCmd = &cobra.Command{
	Use:   "prove",
	Short: "Submit a proof request to a tee-rex enclave",
	Long: `Reads a JSON-encoded proof request from --input, verifies the enclave's
attestation, encrypts the request against its bound public key, and submits
it to POST /prove. The resulting proof bytes are written to --output (or
stdout if omitted).

Examples:
  teerex prove --server https://prove.example.com --input request.json
  teerex prove --server https://prove.example.com --input request.json --output proof.bin \
    --verifier-config verifier.hcl --prompt-appraisal-key`,
	RunE: runProve,
}

func init() {
	proveCmd.Flags().StringVar(&proveServer, "server", "", "tee-rex enclave base URL")
	proveCmd.Flags().StringVar(&proveConfig, "verifier-config", "", "path to an HCL Attestation Verifier config")
	proveCmd.Flags().StringVar(&proveInput, "input", "", "path to the JSON proof request body")
	proveCmd.Flags().StringVar(&proveOutput, "output", "", "path to write the framed proof bytes (default: stdout)")
	proveCmd.Flags().BoolVar(&promptAppraisalAPIKey, "prompt-appraisal-key", false, "prompt for the SGX appraisal service API key instead of reading it from config")
	proveCmd.MarkFlagRequired("server")
	proveCmd.MarkFlagRequired("input")
}

func runProve(cmd *cobra.Command, args []string) error {
	server := strings.TrimRight(proveServer, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		return fmt.Errorf("--server URL must start with http:// or https://")
	}

	verifyCfg := verify.Config{}
	if proveConfig != "" {
		loaded, err := config.LoadVerifierConfig(proveConfig)
		if err != nil {
			return fmt.Errorf("loading verifier config: %w", err)
		}
		verifyCfg = loaded
	}

	if promptAppraisalAPIKey {
		key, err := readSecret("SGX appraisal API key: ")
		if err != nil {
			return fmt.Errorf("reading appraisal API key: %w", err)
		}
		verifyCfg.AppraisalAPIKey = key
	}

	plaintext, err := os.ReadFile(proveInput)
	if err != nil {
		return fmt.Errorf("reading --input: %w", err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	client := proverclient.New(server, verifyCfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	proof, err := client.Prove(ctx, plaintext, nonce)
	if err != nil {
		return fmt.Errorf("prove request failed: %w", err)
	}

	if proveOutput == "" {
		_, err := os.Stdout.Write(proof)
		return err
	}
	if err := os.WriteFile(proveOutput, proof, 0o600); err != nil {
		return fmt.Errorf("writing --output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(proof), proveOutput)
	return nil
}

// readSecret prompts for a secret without echoing input when stdin is a
// terminal, falling back to a plain line read otherwise (piped input).
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	var secret string
	if _, err := fmt.Fscanln(os.Stdin, &secret); err != nil {
		return "", err
	}
	return secret, nil
}
