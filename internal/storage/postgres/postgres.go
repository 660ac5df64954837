package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/jffs2-server/internal/storage"
	"github.com/S1riyS/jffs2-server/pkg/database/postgresql"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

const DefaultTable = "jffs2_nodes"

// Store keeps the node log in a single table. Obsolete nodes keep their row
// with the obsolete flag set, the same way flash keeps a dirty node until
// its erase block is collected.
type Store struct {
	db    postgresql.Client
	name  string
	table string // quoted name
}

var _ storage.NodeStore = (*Store)(nil)

func New(db postgresql.Client, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, name: table, table: pq.QuoteIdentifier(table)}
}

// EnsureSchema creates the node table and its scan index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const op = "storage.postgres.Store.EnsureSchema"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	err := postgresql.WithTransaction(ctx, s.db, func(ctx context.Context) error {
		db := postgresql.GetDBClient(ctx, s.db)

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ref      BIGSERIAL PRIMARY KEY,
				raw      BYTEA     NOT NULL,
				obsolete BOOLEAN   NOT NULL DEFAULT FALSE
			)
		`, s.table)
		if _, err := db.Exec(ctx, query); err != nil {
			return err
		}

		index := pq.QuoteIdentifier(s.name + "_live_idx")
		query = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (ref) WHERE NOT obsolete`, index, s.table)
		_, err := db.Exec(ctx, query)
		return err
	})
	if err != nil {
		logger.Error("Failed to create node table", slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Store) Append(ctx context.Context, raw []byte) (storage.Ref, error) {
	const op = "storage.postgres.Store.Append"

	query := fmt.Sprintf(`
		INSERT INTO %s (raw)
		VALUES ($1)
		RETURNING ref
	`, s.table)

	var ref int64
	db := postgresql.GetDBClient(ctx, s.db)
	if err := db.QueryRow(ctx, query, raw).Scan(&ref); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return storage.Ref(ref), nil
}

func (s *Store) Get(ctx context.Context, ref storage.Ref) ([]byte, error) {
	const op = "storage.postgres.Store.Get"

	query := fmt.Sprintf(`
		SELECT raw
		FROM %s
		WHERE ref = $1
	`, s.table)

	var raw []byte
	db := postgresql.GetDBClient(ctx, s.db)
	err := db.QueryRow(ctx, query, int64(ref)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNodeNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return raw, nil
}

func (s *Store) MarkObsolete(ctx context.Context, ref storage.Ref) error {
	const op = "storage.postgres.Store.MarkObsolete"

	query := fmt.Sprintf(`
		UPDATE %s
		SET obsolete = TRUE
		WHERE ref = $1
	`, s.table)

	db := postgresql.GetDBClient(ctx, s.db)
	tag, err := db.Exec(ctx, query, int64(ref))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNodeNotFound
	}

	return nil
}

func (s *Store) Scan(ctx context.Context, fn func(ref storage.Ref, raw []byte) error) error {
	const op = "storage.postgres.Store.Scan"

	query := fmt.Sprintf(`
		SELECT ref, raw
		FROM %s
		WHERE NOT obsolete
		ORDER BY ref
	`, s.table)

	db := postgresql.GetDBClient(ctx, s.db)
	rows, err := db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref int64
		var raw []byte
		if err := rows.Scan(&ref, &raw); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := fn(storage.Ref(ref), raw); err != nil {
			return err
		}
	}

	if err = rows.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Close is a no-op: the pool belongs to the caller.
func (s *Store) Close() error {
	return nil
}
