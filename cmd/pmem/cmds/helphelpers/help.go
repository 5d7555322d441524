package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// Flags such as --device are persistent on the root command so that
//
//	pmem --device '\\.\other' read 0xfffff80000000000 16
//
// parses, but they mean nothing to subcommands that never open a session.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "help", "version":
		hideAllFlags(cmd)
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.InheritedFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}
