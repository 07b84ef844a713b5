package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, _ := openStore(ctx)
			defer st.Close()

			if err := st.Migrate(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			version, _, ok, err := st.MigrationVersion()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("No migrations to apply.")
				return
			}
			fmt.Printf("Schema is up to date at version %d.\n", version)
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var (
		steps int
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (drops data)",
		Run: func(cmd *cobra.Command, args []string) {
			if !yes {
				ok, err := promptConfirm(fmt.Sprintf("Roll back %d migration(s)? This drops data.", steps), false)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				if !ok {
					fmt.Println("Aborted.")
					return
				}
			}

			ctx := context.Background()
			st, _ := openStore(ctx)
			defer st.Close()

			if err := st.MigrateDown(steps); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Rolled back %d migration(s).\n", steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			st, _ := openStore(ctx)
			defer st.Close()

			version, dirty, ok, err := st.MigrationVersion()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if !ok {
				fmt.Println("No migrations applied yet.")
				return
			}
			if dirty {
				fmt.Printf("Schema version: %d (dirty — a migration failed midway)\n", version)
				os.Exit(1)
			}
			fmt.Printf("Schema version: %d\n", version)
		},
	}
}
