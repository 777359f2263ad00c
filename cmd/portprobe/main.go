// Command portprobe scans TCP port ranges from the command line and serves
// the scan API.
package main

import (
	"os"

	"github.com/anstrom/portprobe/cmd/cli"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	os.Exit(cli.Execute())
}
