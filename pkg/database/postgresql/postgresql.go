package postgresql

import (
	"context"
	"fmt"

	"github.com/S1riyS/jffs2-server/internal/config"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Client interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewClient opens a pool and checks the connection.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	return Connect(ctx, cfg.DSN())
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	const op = "postgresql.Connect"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("Failed to create connection pool", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err = pool.Ping(ctx); err != nil {
		logger.Error("Failed to connect to database", slogext.Err(err))
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Connected to database")
	return pool, nil
}
