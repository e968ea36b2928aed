package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// applyMigrations runs every pending goose migration in migrations/<dir>.
func applyMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrations, "migrations/"+dir)
	if err != nil {
		return eris.Wrapf(err, "store: open %s migrations", dir)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return eris.Wrapf(err, "store: goose provider for %s", dir)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return eris.Wrapf(err, "store: apply %s migrations", dir)
	}
	for _, r := range results {
		zap.L().Info("store: applied migration",
			zap.String("dialect", dir),
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}
