package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/backup"
)

func newBackupCmd(c *cli) *cobra.Command {
	var dir string

	service := func() (*backup.Service, error) {
		if c.cfg.Storage.Driver != "sqlite" {
			return nil, fmt.Errorf("snapshots require the sqlite storage driver")
		}
		cfg := c.cfg.Maintenance.Backup
		if dir != "" {
			cfg.Dir = dir
		}
		return backup.New(c.cfg.Storage.DSN, cfg, c.logger)
	}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the SQLite store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := service()
			if err != nil {
				return err
			}
			info, err := s.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, verified)\n", info.Path, info.Size)
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "snapshot directory (overrides maintenance.backup.dir)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := service()
			if err != nil {
				return err
			}
			snaps, err := s.List()
			if err != nil {
				return err
			}
			for _, snap := range snaps {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n",
					snap.Timestamp.Format("2006-01-02 15:04:05"), snap.Path, snap.Size); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
