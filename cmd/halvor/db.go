package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"halvor/internal/config"
	"halvor/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and migrate the local database",
	}
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open applies pending migrations.
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := s.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Printf("✓ Database at version %d\n", v)
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply the next pending migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOpenStore(func(s *store.Store) error {
					if err := s.MigrateUp(); err != nil {
						return err
					}
					return printVersion(s)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOpenStore(func(s *store.Store) error {
					if err := s.MigrateDown(); err != nil {
						return err
					}
					return printVersion(s)
				})
			},
		},
		&cobra.Command{
			Use:   "to <version>",
			Short: "Migrate forward or backward to a version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := strconv.Atoi(args[0])
				if err != nil {
					return usageErrorf("invalid version %q", args[0])
				}
				return withOpenStore(func(s *store.Store) error {
					if err := s.MigrateTo(target); err != nil {
						return err
					}
					return printVersion(s)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show every migration and whether it is applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withOpenStore(func(s *store.Store) error {
					status, err := s.Status()
					if err != nil {
						return err
					}
					t := table.NewWriter()
					t.SetOutputMirror(cmd.OutOrStdout())
					t.AppendHeader(table.Row{"Version", "Name", "Status", "Rollback"})
					for _, st := range status {
						state := "Pending"
						if st.Applied {
							state = "Applied"
						}
						rollback := "No"
						if st.CanRollback {
							rollback = "Yes"
						}
						t.AppendRow(table.Row{st.Version, st.Name, state, rollback})
					}
					t.Render()
					return nil
				})
			},
		},
	)
	return cmd
}

// withOpenStore opens the database and hands it to fn. A migration-prefix
// violation falls back to a read-only open so the operator can inspect the
// damage.
func withOpenStore(fn func(*store.Store) error) error {
	s, err := openStore()
	if err != nil {
		if errors.Is(err, store.ErrMigrationPrefix) {
			path, pathErr := config.DBPath()
			if pathErr != nil {
				return err
			}
			fmt.Printf("Migration state is corrupt; opening %s read-only for inspection.\n", path)
			ro, roErr := store.OpenReadOnly(path)
			if roErr != nil {
				return err
			}
			defer ro.Close()
			return fn(ro)
		}
		return err
	}
	defer s.Close()
	return fn(s)
}

func printVersion(s *store.Store) error {
	v, err := s.CurrentVersion()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Database at version %d\n", v)
	return nil
}
