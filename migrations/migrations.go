package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/danthegoodman1/kpibridge/gologger"
	// ensure "pgx" driver is loaded
	_ "github.com/jackc/pgx/v4/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

var (
	//go:embed *.sql
	migrations embed.FS

	ErrMigrationsNotRun = errors.New("not all migrations applied")

	logger = gologger.NewLogger()

	source = migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations,
		Root:       ".",
	}
	set = migrate.MigrationSet{
		TableName: "kpibridge_migrations",
	}
)

// Available lists the embedded migration ids in apply order
func Available() ([]string, error) {
	ms, err := source.FindMigrations()
	if err != nil {
		return nil, fmt.Errorf("error in FindMigrations: %w", err)
	}
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.Id
	}
	return ids, nil
}

func RunMigrations(dsn string) (int, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	n, err := set.Exec(db, "postgres", source, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("error applying migrations: %w", err)
	}
	logger.Info().Int("applied", n).Msg("ran migrations")
	return n, nil
}

func CheckMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	planned, _, err := set.PlanMigration(db, "postgres", source, migrate.Up, 0)
	if err != nil {
		return err
	}
	if len(planned) > 0 {
		for _, mig := range planned {
			logger.Warn().Str("migrationID", mig.Id).Msg("missing migration")
		}
		return ErrMigrationsNotRun
	}
	return nil
}
