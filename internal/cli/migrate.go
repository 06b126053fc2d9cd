package cli

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"
)

var migrateCommands = map[string]bool{
	"up": true, "up-by-one": true, "down": true, "redo": true,
	"reset": true, "status": true, "version": true,
}

// NewMigrateCommand constructs `migrate [command]`, which applies the
// job_outcomes schema to the ledger database.
func NewMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:       "migrate [up|up-by-one|down|redo|reset|status|version]",
		Short:     "Run ledger database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "up-by-one", "down", "redo", "reset", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if !migrateCommands[command] {
				return fmt.Errorf("unknown migrate command %q", command)
			}
			dsn, _ := cmd.Flags().GetString("dsn")
			if dsn == "" {
				dsn = os.Getenv("LEDGER_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("no database: set --dsn or LEDGER_DSN")
			}
			dir, _ := cmd.Flags().GetString("dir")
			return migrate(dsn, dir, command)
		},
	}
	migrateCmd.Flags().String("dsn", "", "Postgres DSN (default $LEDGER_DSN)")
	migrateCmd.Flags().String("dir", "migrations", "Migrations directory")
	return migrateCmd
}

func migrate(dsn, dir, command string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Run(command, db, dir)
}
