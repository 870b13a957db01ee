package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"modelhub/internal/remote"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		q     remote.Query
		tags  string
		files bool
	)
	cmd := &cobra.Command{
		Use:   "search [TEXT]",
		Short: "Search the registry for model repositories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				q.Search = args[0]
			}
			q.Filters = splitCSV(tags)
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)
			repos, err := h.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tTYPE\tARTIFACTS")
			for _, r := range repos {
				if files {
					full, err := h.GetRepo(cmd.Context(), r.RepoID)
					if err != nil {
						return err
					}
					r = full
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.ID, r.Type, len(r.Artifacts))
				for _, art := range r.Artifacts {
					fmt.Fprintf(w, "  %s/%s\t%s\t%s\n", r.ID, art.Name, art.Format, humanBytes(art.SizeInBytes))
				}
			}
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&tags, "filter", "gguf", "comma-separated tag filters")
	f.StringVar(&q.Author, "author", "", "only repositories of this publisher")
	f.StringVar(&q.Sort, "sort", "downloads", "sort field: downloads, likes or lastModified")
	f.IntVar(&q.Limit, "limit", 20, "maximum results")
	f.BoolVar(&files, "files", false, "fetch each repository's artifact listing")
	return cmd
}
