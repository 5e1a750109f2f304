package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearUserCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-user <user-id>",
		Short: "Erase every fact, turn and usage record of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg.Storage)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = store.Close() }()

			res, err := store.ClearUser(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("clear user: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s: %d facts, %d turns, %d usage records\n",
				args[0], res.Facts, res.Turns, res.Usage)
			return err
		},
	}
}
