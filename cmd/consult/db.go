package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/consult/internal/config"
	"github.com/zulandar/consult/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the consult tables",
		Long:  "Migrates the active-session and turn journal tables for the sqlite or mysql store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to consult config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dsn := cfg.Store.Path
	switch cfg.Store.Driver {
	case config.StoreSQLite:
	case config.StoreMySQL:
		dsn = cfg.Store.DSN
	default:
		return fmt.Errorf("store driver %q has no tables to migrate", cfg.Store.Driver)
	}

	gormDB, err := db.Connect(cfg.Store.Driver, dsn)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	fmt.Fprintf(out, "Connected to %s store\n", cfg.Store.Driver)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
