// safedrop uploads batches of files to object storage without silently
// replacing what is already there.
//
// Build with version info:
//
//	go build -ldflags "-X github.com/rescale/safedrop/internal/version.Version=v1.0.0 \
//	  -X github.com/rescale/safedrop/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/safedrop
package main

import (
	"os"

	"github.com/rescale/safedrop/internal/cli"
)

func main() {
	// cobra already printed the error.
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
