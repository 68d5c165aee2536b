// Command identityd is the composition root for the identity and
// authorization server: it wires the account, authn, risk, cache,
// token, and session packages together from a YAML config file and
// keeps the key-rotation and cache-sweep background loops running. A
// cobra.Command root carries the "serve" and "migrate" subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "identityd",
		Short:         "identityd runs the identity and authorization server core",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(commandServe())
	root.AddCommand(commandMigrate())
	return root
}
