package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"modelhub/internal/repository"
	"modelhub/pkg/types"
)

func newListCmd(a *app) *cobra.Command {
	var (
		typ    string
		search string
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)

			opts := repository.ListOptions{Search: search}
			if typ != "" {
				opts.Type = types.ParseModelType(typ)
			}
			models := h.ListModels(opts)
			out := cmd.OutOrStdout()
			if quiet {
				for _, m := range models {
					fmt.Fprintln(out, m.ID)
				}
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tALIAS\tTYPE\tFORMAT\tSIZE")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Alias, m.Type, m.Format, humanBytes(m.SizeInBytes))
			}
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "filter by model type (text-generation, embedding, multimodal)")
	f.StringVar(&search, "search", "", "case-insensitive name filter")
	f.BoolVarP(&quiet, "quiet", "q", false, "only print model ids")
	return cmd
}
