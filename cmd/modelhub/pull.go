package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"modelhub/internal/download"
)

func newPullCmd(a *app) *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "pull MODEL_ID",
		Short: "Download a model from the registry, e.g. hf:publisher/model/artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)

			p := mpb.NewWithContext(cmd.Context(),
				mpb.WithOutput(cmd.ErrOrStderr()),
				mpb.WithRefreshRate(180*time.Millisecond),
			)
			bar := p.New(0,
				mpb.BarStyle().Rbound("|"),
				mpb.PrependDecorators(
					decor.Name(args[0]+" "),
					decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"),
				),
				mpb.AppendDecorators(
					decor.EwmaETA(decor.ET_STYLE_GO, 30),
					decor.Name(" ] "),
					decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
				),
			)

			var (
				last    = time.Now()
				lastErr error
			)
			for ev := range h.Download(cmd.Context(), args[0]) {
				switch ev.Kind {
				case download.EventData:
					if ev.Progress.TotalBytes > 0 {
						bar.SetTotal(ev.Progress.TotalBytes, false)
					}
					bar.EwmaSetCurrent(ev.Progress.BytesSoFar, time.Since(last))
					last = time.Now()
				case download.EventError:
					lastErr = ev.Err
					bar.Abort(false)
				case download.EventComplete:
					bar.SetTotal(ev.Progress.BytesSoFar, true)
					p.Wait()
					m := ev.Model
					if alias != "" {
						if m, err = h.SetAlias(m.ID, alias); err != nil {
							return err
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", m.ID, humanBytes(m.SizeInBytes), m.LocalPath)
					return nil
				}
			}
			p.Wait()
			if lastErr == nil {
				lastErr = cmd.Context().Err()
			}
			if download.IsAuthRequired(lastErr) {
				return fmt.Errorf("%w (set HF_TOKEN or --hf-token)", lastErr)
			}
			return lastErr
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "alias to assign once downloaded")
	return cmd
}

// humanBytes renders n with a binary unit.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
