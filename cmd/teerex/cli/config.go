package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configOutPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage teerex Attestation Verifier config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold an HCL Attestation Verifier config file",
	Long: `Writes a commented HCL skeleton for the Attestation Verifier config
consumed by --verifier-config on 'teerex attestation' and 'teerex prove'.
Fill in the measurement values and vendor root CA path for your deployment.`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVar(&configOutPath, "out", "verifier.hcl", "path to write the config skeleton")
	configCmd.AddCommand(configInitCmd)
}

const verifierSkeleton = `verifier {
  # Fail closed if the enclave reports "standard" (unattested) mode.
  require_attestation = true

  # PEM-encoded vendor root certificate: the AWS Nitro root for "nitro"
  # mode. Required whenever require_attestation is true.
  vendor_root_ca_path = "./nitro-root.pem"

  # Reject attestation artifacts older than this, in milliseconds.
  max_age_ms = 300000

  # One measurement block per expected PCR slot (nitro) or "enclave"
  # (sgx); value is hex-encoded.
  measurement "0" {
    value = "000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"
  }

  # sgx only: expected measurement_signer, hex-encoded.
  # signer_measurement = "..."

  # sgx only: the remote appraisal service that turns a raw quote into a
  # signed JWT.
  # appraisal_endpoint     = "https://appraisal.example.com/v1/attest"
  # appraisal_jwks_url     = "https://appraisal.example.com/.well-known/jwks.json"
  # appraisal_api_key_env  = "TEE_REX_APPRAISAL_KEY"
}
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configOutPath); err == nil {
		return fmt.Errorf("%s already exists; remove it or pass a different --out", configOutPath)
	}
	if err := os.WriteFile(configOutPath, []byte(verifierSkeleton), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", configOutPath, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", configOutPath)
	return nil
}
