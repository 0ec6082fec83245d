package relational

import (
	"context"
	"embed"

	"github.com/pressly/goose/v3"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema to the latest embedded version. Safe to run on
// every start; goose tracks applied versions in its own table.
func (a *Adapter) Migrate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.migrateLocked(ctx)
}

func (a *Adapter) migrateLocked(ctx context.Context) error {
	if a.db == nil {
		return errors.StoreUnavailable(string(store.Relational))
	}
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Internal("goose dialect", err)
	}
	if err := goose.UpContext(ctx, a.db.DB, "migrations"); err != nil {
		return errors.Internal("schema migration failed", err)
	}
	a.logger.Info("relational schema migrated")
	return nil
}
