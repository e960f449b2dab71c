package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-enrich-flow/internal/postgres"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply schema migrations.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
With --down a single migration is rolled back.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back one migration instead of applying all")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")
	logger := buildLogger(os.Stderr, viper.GetString("log_level"), "enricher")

	dir := postgres.Up
	if migrateDown {
		dir = postgres.Down
	}
	version, err := postgres.Migrate(dsn, dir, logger)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Printf("schema at version %d\n", version)
	return nil
}
