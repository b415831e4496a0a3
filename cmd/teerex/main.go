// teerex is the host-side client CLI: fetch and verify attestation, submit
// proof requests to a running enclave, and scaffold Attestation Verifier
// config files.
package main

import (
	"fmt"
	"os"

	"github.com/tee-rex/tee-rex/cmd/teerex/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
