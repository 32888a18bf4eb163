// Command syncd runs the sync ledger HTTP server.
package main

import (
	"os"

	"github.com/syncmesh/core/cmd/syncd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
