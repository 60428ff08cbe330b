package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// Capture flags live on the root command so that
//
//	memsnap --headless --json attach game
//
// parses, but they mean nothing to 'check' or 'version'.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "memsnap", "help", "version", "log":
		hideAllFlags(cmd)
	case "check":
		hideFlag(cmd, "headless")
		hideFlag(cmd, "json")
		hideFlag(cmd, "frames")
		hideFlag(cmd, "rate")
		hideFlag(cmd, "wait")
		hideFlag(cmd, "max-alloc")
	case "attach":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
