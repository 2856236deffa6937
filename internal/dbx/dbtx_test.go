package dbx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var errBoom = errors.New("boom")

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`create table docs (id text primary key, rev text)`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`select count(*) from docs`).Scan(&n))
	return n
}

func insert(ctx context.Context, tx DBTX, id string) error {
	_, err := tx.ExecContext(ctx, `insert into docs(id, rev) values (?, '1-a')`, id)
	return err
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return insert(ctx, tx, "rec-1")
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, db), "must commit on success")
}

func TestWithTx_FnErrorUnwrapped(t *testing.T) {
	db := setupDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		require.NoError(t, insert(ctx, tx, "rec-1"))
		return errBoom
	})
	require.Equal(t, errBoom, err, "fn errors are returned as is")
	require.Equal(t, 0, countRows(t, db), "must rollback when fn returns error")
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db := setupDB(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic to propagate")
		}
		require.Equal(t, 0, countRows(t, db), "must rollback on panic")
	}()

	_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		require.NoError(t, insert(ctx, tx, "rec-1"))
		panic("kaput")
	})
}

func TestWithTx_BeginError(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.Close())

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return nil
	})
	require.ErrorContains(t, err, "failed to begin tx")
}

func TestWithTx_CommitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`insert into docs`).WithArgs("rec-1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errBoom)

	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx DBTX) error {
		return insert(ctx, tx, "rec-1")
	})
	require.ErrorIs(t, err, errBoom)
	require.ErrorContains(t, err, "failed to commit tx")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	rev, err := InTx(ctx, db, func(ctx context.Context, tx DBTX) (string, error) {
		return "1-a", insert(ctx, tx, "rec-1")
	})
	require.NoError(t, err)
	require.Equal(t, "1-a", rev)

	rev, err = InTx(ctx, db, func(ctx context.Context, tx DBTX) (string, error) {
		return "2-b", insert(ctx, tx, "rec-1")
	})
	require.Error(t, err, "duplicate id")
	require.Empty(t, rev, "no value without a commit")
	require.Equal(t, 1, countRows(t, db))
}
