package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reposFile string

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List the repositories a run would process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd.Context())

		path := a.cfg.Repositories.ListFile
		if reposFile != "" {
			path = reposFile
		}
		list, err := a.readRepositories(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, ref := range list.References {
			fmt.Fprintln(out, ref.String())
		}
		for _, u := range list.Unparsed {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: line %d: no repository reference: %s\n", u.Line, u.Text)
		}
		return nil
	},
}

func init() {
	reposCmd.Flags().StringVar(&reposFile, "repos", "", "Markdown repository list (overrides repositories.list_file)")
}
