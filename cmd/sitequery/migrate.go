package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sitequery/sitequery/config"
	srv "github.com/sitequery/sitequery/internal/server"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				for _, b := range cfg.Backends {
					if b.Type == "postgres" && b.URL != "" {
						dsn = b.URL
						break
					}
				}
			}
			if dsn == "" {
				return fmt.Errorf("postgres not configured (backends url or DATABASE_URL)")
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return migrate
}
