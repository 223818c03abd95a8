package store

import (
	"context"
	"embed"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*/*.sql
var sqlMigrations embed.FS

// Schema names the migration set owned by one service.
type Schema string

const (
	SchemaAccounts  Schema = "accounts"
	SchemaTransfers Schema = "transfers"
)

// Migrate brings the service's database up to date. Each service owns a
// separate database; bookkeeping lives in <schema>_schema_version.
func (p *Postgres) Migrate(ctx context.Context, schema Schema) error {
	switch schema {
	case SchemaAccounts, SchemaTransfers:
	default:
		return errors.Newf("unknown schema %q", schema)
	}

	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(sqlMigrations)
	goose.SetTableName(string(schema) + "_schema_version")
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.UpContext(ctx, db, path.Join("migrations", string(schema))); err != nil {
		return errors.Wrapf(err, "migrate %s", schema)
	}
	return nil
}
