package cmd

import (
	"github.com/spf13/cobra"
	"github.com/verdex-cloud/verdex/cmd/start"
	"github.com/verdex-cloud/verdex/cmd/worker"
)

var cmds = []*cobra.Command{
	start.Cmd,
	worker.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use: "verdex",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
