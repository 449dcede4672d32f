package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goattend/internal/config"
)

var migrationsDir string

// resolveMigrationsDir picks --migrations-dir, then GOATTEND_MIGRATIONS_DIR,
// then ./migrations beside the binary, then ./migrations in the cwd.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("GOATTEND_MIGRATIONS_DIR"); v != "" {
		return v
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "migrations")
		if _, statErr := os.Stat(dir); statErr == nil {
			return dir
		}
	}
	return "migrations"
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// withMigrator runs fn against the database named by GOATTEND_POSTGRES_DSN.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("GOATTEND_POSTGRES_DSN is not set; standalone mode has no schema")
	}
	m, err := newMigrator(cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func logVersion(m *migrate.Migrate, msg string) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(msg, "version", "none")
		return
	}
	slog.Info(msg, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema (rooms, attentions, messages)",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-max(steps, 1)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				logVersion(m, "rollback complete")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate up: %w", err)
					}
					logVersion(m, "migration complete")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					switch {
					case errors.Is(err, migrate.ErrNilVersion):
						fmt.Println("version: none (run: goattend migrate up)")
					case err != nil:
						return fmt.Errorf("get version: %w", err)
					default:
						fmt.Printf("version: %d, dirty: %v\n", v, dirty)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version after fixing a dirty schema by hand",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					slog.Info("forced version", "version", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate goto: %w", err)
					}
					logVersion(m, "migrated")
					return nil
				})
			},
		},
	)
	return cmd
}
