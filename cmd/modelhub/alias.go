package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAliasCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "alias MODEL [ALIAS]",
		Short: "Set or clear (when ALIAS is omitted) the alias of a model",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHub(nil)
			if err != nil {
				return err
			}
			defer closeHub(a, h)
			alias := ""
			if len(args) == 2 {
				alias = args[1]
			}
			m, err := h.SetAlias(args[0], alias)
			if err != nil {
				return err
			}
			if m.Alias == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no alias\n", m.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", m.Alias, m.ID)
			return nil
		},
	}
}
