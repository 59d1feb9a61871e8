package repository

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/memberships/internal/logging"
)

// Executor is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is an Executor able to open transactions.
type Pool interface {
	Executor
	Begin(ctx context.Context) (pgx.Tx, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func joinColumns(columns []string) string {
	return strings.Join(columns, ", ")
}

func execBuilder(ctx context.Context, exec Executor, builder sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, errors.Wrap(err, "failed to build query")
	}
	return exec.Exec(ctx, query, args...)
}

func queryBuilder(ctx context.Context, exec Executor, builder sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}
	return exec.Query(ctx, query, args...)
}

func queryRowBuilder(ctx context.Context, exec Executor, builder sq.Sqlizer) (pgx.Row, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}
	return exec.QueryRow(ctx, query, args...), nil
}

// withTx executes fn within a database transaction
func withTx(ctx context.Context, pool Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(ctx); err != nil {
				logging.FromContext(ctx).WithError(err).Error("failed to rollback transaction")
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}
