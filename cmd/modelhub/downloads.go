package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"
)

func newDownloadsCmd(a *app) *cobra.Command {
	var clean bool
	cmd := &cobra.Command{
		Use:   "downloads",
		Short: "List interrupted downloads recorded in the ledger",
		Long: `List files whose download was started but not finished. Running
"modelhub pull" with the same id resumes them from the bytes on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)
			out := cmd.OutOrStdout()
			if clean {
				n, err := h.Ledger().CleanupCompleted()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d completed records\n", n)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tFILE\tPROGRESS\tLAST ATTEMPT")
			for _, st := range h.Ledger().ListIncomplete() {
				progress := humanBytes(st.DownloadedSize)
				if st.TotalSize > 0 {
					progress = fmt.Sprintf("%s / %s (%.0f%%)", progress, humanBytes(st.TotalSize),
						float64(st.DownloadedSize)/float64(st.TotalSize)*100)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.ModelID, st.FilePath, progress, timeago.English.Format(st.LastAttempt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "drop records of completed files first")
	return cmd
}
