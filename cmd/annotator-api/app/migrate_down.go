package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/partonomy/annotator/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert database migrations",
	Long: `Revert database migrations of the postgres store.

Examples:
  # Migrate down by 1 step
  annotator-api migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys the shared state tables)
  annotator-api migrate down --config config.yaml --yes`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	_, connString, err := migrationConnString(cmd)
	if err != nil {
		return err
	}

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps > math.MaxInt32 {
		return errors.New("number of steps exceeds maximum allowed value")
	}

	prompt := "WARNING: This will migrate down ALL steps and drop the shared state. Continue?"
	if numSteps > 0 {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled")
		return errors.New("migration cancelled by user")
	}

	if numSteps == 0 {
		slog.Warn("Migrating down all steps, this will remove the whole schema")
	} else {
		slog.Info("Migrating down", "steps", numSteps)
	}
	// #nosec G115 -- bounded above
	if err := database.MigrateDown(connString, int(numSteps)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	if numSteps > 0 {
		logMigrationVersion(connString)
	}
	return nil
}
