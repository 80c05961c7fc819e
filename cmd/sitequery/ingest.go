package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/ingest"
	srv "github.com/sitequery/sitequery/internal/server"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "ingest [urls...]",
		Short: "Fetch pages and index them into the write backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			registry, _, err := srv.BuildRegistry(ctx, cfg.Backends)
			if err != nil {
				return err
			}
			ingestor := ingest.New(cfg.Ingest, registry.WriteBackend())
			n, err := ingestor.Ingest(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d documents\n", n)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
