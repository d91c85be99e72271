// Command serverseeker crawls the configured address space for game servers
// and maintains an index of them.
package main

import (
	"github.com/anstrom/serverseeker/cmd/cli"
)

// Set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
