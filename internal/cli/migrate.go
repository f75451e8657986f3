package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crewchat/core/internal/config"
	"crewchat/core/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Run:   runMigrate,
	}
	cmd.Flags().String("dir", "", "Migrations directory (default: $CREWCHAT_MIGRATIONS_DIR)")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		exitErr("open database", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(cmd.Context(), db, dir); err != nil {
		exitErr("migrate", err)
	}
	fmt.Println("migrations applied")
}
