package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/notify"
)

func newClassifyCmd(c *cli) *cobra.Command {
	var attachment, prior bool

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Print the classification of a message as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls := classifier.NewDefault()
			if c.cfg.RulesFile != "" {
				rs, err := notify.LoadRuleSet(c.cfg.RulesFile)
				if err != nil {
					return err
				}
				if err := cls.SetRules(rs.Classifier); err != nil {
					return err
				}
			}

			result := cls.ClassifyInput(classifier.Input{
				Text:          strings.Join(args, " "),
				HasAttachment: attachment,
				PriorContext:  prior,
			})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&attachment, "attachment", false, "treat the message as carrying a document")
	cmd.Flags().BoolVar(&prior, "prior-context", false, "assume the user has stored history")
	return cmd
}
