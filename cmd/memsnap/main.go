package main

import (
	"os"

	"github.com/ge-labs/memsnap/cmd/memsnap/cmds"
	"github.com/ge-labs/memsnap/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.MemsnapVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
