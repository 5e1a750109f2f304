package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/config"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/logging"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "vaultbot",
		Short:         "Conversational assistant with per-user memory and model fallback",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "",
		"path to a YAML config file (environment variables with the "+config.EnvPrefix+" prefix override it)")

	root.AddCommand(
		newServeCmd(c),
		newClassifyCmd(c),
		newClearUserCmd(c),
		newRulesCmd(c),
		newBackupCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}
