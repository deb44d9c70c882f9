package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/blockloop/scan/v2"
	"github.com/umit144/purchase-reconciler/internal/database"
	"github.com/umit144/purchase-reconciler/internal/kv"
)

const DefaultKeyValueTable = "purchase_kv"

type keyValueRow struct {
	Key   string `db:"store_key"`
	Value []byte `db:"store_value"`
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// KeyValueRepository is a kv.Backend over a two-column table. REPLACE keeps
// the statement portable between MySQL and SQLite.
type KeyValueRepository struct {
	db    *database.Database
	table string
}

func NewKeyValueRepository(db *database.Database, table string) *KeyValueRepository {
	if table == "" {
		table = DefaultKeyValueTable
	}
	return &KeyValueRepository{db: db, table: table}
}

func (r *KeyValueRepository) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            store_key VARCHAR(191) NOT NULL PRIMARY KEY,
            store_value LONGBLOB NOT NULL
        )
    `, r.table)

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func (r *KeyValueRepository) Set(ctx context.Context, key string, value []byte) error {
	return r.replace(ctx, r.db, key, value)
}

func (r *KeyValueRepository) Get(ctx context.Context, key string) ([]byte, error) {
	value, found, err := r.get(ctx, r.db, key, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

// Update runs the read and the write in one transaction. MySQL locks the row
// with SELECT ... FOR UPDATE; SQLite connections begin transactions with an
// immediate write lock (see database.NewDatabase).
func (r *KeyValueRepository) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	current, found, err := r.get(ctx, tx, key, r.db.Driver == database.DriverMySQL)
	if err != nil {
		return err
	}

	next, err := fn(current, found)
	if errors.Is(err, kv.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		err = r.delete(ctx, tx, key)
	} else {
		err = r.replace(ctx, tx, key, next)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (r *KeyValueRepository) Delete(ctx context.Context, key string) error {
	return r.delete(ctx, r.db, key)
}

func (r *KeyValueRepository) Clear(ctx context.Context) error {
	stmt, args, err := sq.Delete(r.table).ToSql()
	if err != nil {
		return fmt.Errorf("query build failed: %w", err)
	}

	_, err = r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	return nil
}

func (r *KeyValueRepository) get(ctx context.Context, q queryer, key string, lock bool) ([]byte, bool, error) {
	query := sq.Select("store_key", "store_value").
		From(r.table).
		Where(sq.Eq{"store_key": key}).
		PlaceholderFormat(sq.Question)
	if lock {
		query = query.Suffix("FOR UPDATE")
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("query build failed: %w", err)
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var row keyValueRow
	if err := scan.Row(&row, rows); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan failed: %w", err)
	}

	return row.Value, true, nil
}

func (r *KeyValueRepository) replace(ctx context.Context, q queryer, key string, value []byte) error {
	query := sq.Replace(r.table).
		Columns("store_key", "store_value").
		Values(key, value).
		PlaceholderFormat(sq.Question)

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("query build failed: %w", err)
	}

	_, err = q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("replace failed: %w", err)
	}

	return nil
}

func (r *KeyValueRepository) delete(ctx context.Context, q queryer, key string) error {
	query := sq.Delete(r.table).
		Where(sq.Eq{"store_key": key}).
		PlaceholderFormat(sq.Question)

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("query build failed: %w", err)
	}

	_, err = q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	return nil
}

var _ kv.Backend = (*KeyValueRepository)(nil)
