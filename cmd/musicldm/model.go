package main

import "github.com/spf13/cobra"

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Checkpoint and graph bundle acquisition and verification",
	}

	cmd.AddCommand(newModelDownloadCmd())
	cmd.AddCommand(newModelBundleCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}
