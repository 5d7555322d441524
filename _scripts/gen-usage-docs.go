//go:build ignore
// +build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/physmem/pmem/cmd/pmem/cmds"
	"github.com/physmem/pmem/cmd/pmem/cmds/helphelpers"
	"github.com/physmem/pmem/pkg/config"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New(&config.Config{})

	cmdnames := []string{}
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	doc.GenMarkdownTree(root, usageDir)
	root = nil
	// GenMarkdownTree ignores additional help topic commands, so we have to do this manually
	for _, cmdname := range cmdnames {
		cmd, _, _ := cmds.New(&config.Config{}).Find([]string{cmdname})
		helphelpers.Prepare(cmd)
		doc.GenMarkdownTree(cmd, usageDir)
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "pmem.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to pmem.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [pmem log](pmem_log.md)\t - Help about logging flags")
}
