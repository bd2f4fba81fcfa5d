package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the vector index",
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the index if missing and verify its shape",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		manager, err := a.openIndex(nil)
		if err != nil {
			return err
		}
		defer manager.Close()

		created, err := manager.EnsureIndex(cmd.Context())
		if err != nil {
			return err
		}
		desc := manager.Descriptor()
		state := "exists"
		if created {
			state = "created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "index %s %s (dimension %d, metric %s)\n", desc.Name, state, desc.Dimension, desc.Metric)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexEnsureCmd)
}
