package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "teerex",
	Short: "teerex — TEE-attested remote ZK proving client",
	Long: `teerex talks to a tee-rex enclave: fetch and verify its attestation,
submit proof requests against a bound public key, and scaffold the
Attestation Verifier's HCL config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(attestationCmd)
	rootCmd.AddCommand(proveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
