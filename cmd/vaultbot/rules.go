package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/notify"
)

func newRulesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the classification and extraction rules file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the built-in rules to a file for editing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := notify.WriteRuleSet(args[0], notify.DefaultRuleSet()); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate a rules file (defaults to the configured rules_file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.RulesFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no rules file given and rules_file is not configured")
			}
			rs, err := notify.LoadRuleSet(path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d categories, %d triggers\n",
				len(rs.Classifier.Categories), len(rs.Extractor.Triggers))
			return err
		},
	})
	return cmd
}
