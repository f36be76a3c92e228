// Completion: 95% - CLI interface complete, all subcommands wired
package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xyproto/a64bridge/internal/config"
)

// Runs ARM64 guest code on any host and bridges its calls to host functions

const versionString = "a64bridge 0.3.0"

// newRootCommand builds the command tree. exit is called with the fatal
// exit status when guest code aborts.
func newRootCommand(stdout, stderr io.Writer, exit func(int)) *cobra.Command {
	ctx := &CommandContext{Out: stdout, Err: stderr, Exit: exit}

	root := &cobra.Command{
		Use:   "a64bridge",
		Short: "Run ARM64 guest code and bridge its calls to host functions",
		Long: `a64bridge emulates ARM64 code and lets it call host functions, and be
called by them, as if both followed the same procedure call standard.

Settings are read from the flags, then A64BRIDGE_* environment variables,
then the TOML file named by --config, then built-in defaults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.configure(cmd.Flags())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.Flags(root.PersistentFlags())

	root.AddCommand(
		sigCommand(ctx),
		runCommand(ctx),
		symbolsCommand(ctx),
		versionCommand(ctx),
	)
	return root
}

func main() {
	root := newRootCommand(os.Stdout, os.Stderr, os.Exit)
	if err := root.Execute(); err != nil {
		root.PrintErrln("error:", err)
		os.Exit(1)
	}
}
