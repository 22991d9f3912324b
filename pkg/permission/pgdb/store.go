// Package pgdb provides a permission.Store that keeps records in postgres.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.savanna.org/golang/pkg/permission"
)

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schemaScriptTpl string

// Migrate creates dbschema and the users table if they do not exist.
func Migrate(ctx context.Context, db PGDB, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := db.Exec(ctx, schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil...
}

// Store is a permission.Store backed by postgres.
type Store struct {
	DB    PGDB
	table string
}

// New returns a Store using db and the users table of dbschema.
func New(db PGDB, dbschema string) (*Store, error) {
	if nil == db {
		return nil, newError("nil db")
	}
	if "" == dbschema {
		return nil, newError("empty dbschema")
	}
	return &Store{DB: db, table: pgx.Identifier{dbschema, "users"}.Sanitize()}, nil
}

// Connect opens a connection pool on dsn, runs Migrate and returns a Store using the pool.
func Connect(ctx context.Context, dsn string, dbschema string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, nil, wrapError(err, "failed connection pool creation")
	}
	if err = Migrate(ctx, pool, dbschema); nil != err {
		pool.Close()
		return nil, nil, err
	}
	store, err := New(pool, dbschema)
	if nil != err {
		pool.Close()
		return nil, nil, err
	}

	return store, pool, nil
}

type userRow struct {
	UniqueId string  `db:"unique_id"`
	Allowed  bool    `db:"allowed"`
	Meta     *string `db:"meta"`
}

func (self *Store) LoadRecord(ctx context.Context, uniqueId string) (permission.Record, error) {
	rows, err := self.DB.Query(
		ctx,
		`SELECT unique_id, allowed, meta::text AS meta FROM `+self.table+` WHERE unique_id = $1`,
		uniqueId,
	)
	if nil != err {
		return permission.Record{}, wrapError(err, "failed DB.Query")
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[userRow])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return permission.Record{}, wrapError(permission.ErrNotFound, "unknown uniqueId %q", uniqueId)
		}
		return permission.Record{}, wrapError(err, "failed loading user")
	}

	rec := permission.Record{UniqueId: row.UniqueId, Allowed: row.Allowed}
	if nil != row.Meta {
		rec.Meta = []byte(*row.Meta)
	}

	return rec, nil
}

func (self *Store) SaveRecord(ctx context.Context, rec permission.Record) error {
	if err := rec.Check(); nil != err {
		return wrapError(err, "invalid record")
	}
	var meta any
	if len(rec.Meta) > 0 {
		meta = string(rec.Meta)
	}
	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO `+self.table+`(unique_id, allowed, meta) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (unique_id) DO UPDATE SET
		 allowed = EXCLUDED.allowed,
		 meta = EXCLUDED.meta,
		 updated_at = now()`,
		rec.UniqueId,
		rec.Allowed,
		meta,
	)

	return wrapError(err, "failed saving user") // nil if err is nil...
}

var _ permission.Store = &Store{}
