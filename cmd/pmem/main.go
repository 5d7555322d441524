package main

import (
	"os"

	"github.com/physmem/pmem/cmd/pmem/cmds"
	"github.com/physmem/pmem/pkg/config"
	"github.com/physmem/pmem/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.PmemVersion.Build = Build
	}
	if err := cmds.New(config.LoadConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}
