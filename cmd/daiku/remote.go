package main

import (
	"fmt"

	"github.com/harunnryd/daiku/internal/format"

	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote <base-url>",
	Short: "Attach to a remote sandbox and drive it interactively",
	Long:  `Adopts an already-running sandbox reachable over HTTP. The endpoint must pass its health check; prompts are then streamed over the wire the same way as for a local sandbox.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newSandboxManager()
		if err != nil {
			return err
		}

		info, err := mgr.AttachRemote(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer mgr.Terminate(info.ID)

		fmt.Println(format.NewTableFormatter().FormatSandbox(info))
		return runSession(cmd.Context(), mgr, info.ID)
	},
}

func init() {
	rootCmd.AddCommand(remoteCmd)
}
