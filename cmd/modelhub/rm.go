package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm MODEL...",
		Aliases: []string{"delete"},
		Short:   "Delete installed models by id or alias",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)
			var missing []string
			for _, key := range args {
				deleted, err := h.Delete(cmd.Context(), key)
				if err != nil {
					return err
				}
				if !deleted {
					missing = append(missing, key)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", key)
			}
			if len(missing) > 0 {
				return fmt.Errorf("not installed: %v", missing)
			}
			return nil
		},
	}
}
