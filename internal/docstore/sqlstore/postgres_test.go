package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/dbx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestPostgres_GetUsesNumberedPlaceholders(t *testing.T) {
	db, mock := newMock(t)
	s := New(db, dbx.DialectPostgres)

	mock.ExpectQuery(`select rev, deleted, data from docs where db_name = \$1 and id = \$2`).
		WithArgs("projects", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted", "data"}).AddRow("1-abc", 0, []byte(`{"name":"P"}`)))
	mock.ExpectQuery(`select name, content_type, digest, data from attachments where db_name = \$1 and doc_id = \$2`).
		WithArgs("projects", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "content_type", "digest", "data"}))

	doc, err := s.Database("projects").Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "1-abc", doc.Rev)
	assert.JSONEq(t, `{"name":"P"}`, string(doc.Data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	db, mock := newMock(t)
	s := New(db, dbx.DialectPostgres)

	mock.ExpectQuery(`select rev, deleted, data from docs`).
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted", "data"}))

	_, err := s.Database("projects").Get(context.Background(), "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPostgres_PutConflictRollsBack(t *testing.T) {
	db, mock := newMock(t)
	s := New(db, dbx.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`select rev, deleted from docs where db_name = \$1 and id = \$2`).
		WithArgs("people", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"rev", "deleted"}).AddRow("2-abc", 0))
	mock.ExpectRollback()

	_, err := s.Database("people").Put(context.Background(), docWithRev("u1", "1-old"))
	require.ErrorIs(t, err, common.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_PicksDialectDir(t *testing.T) {
	db, _ := newMock(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var dirs []string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		dirs = append(dirs, dir)
		return nil
	}

	require.NoError(t, RunMigrations(context.Background(), db, dbx.DialectPostgres))
	require.NoError(t, RunMigrations(context.Background(), db, dbx.DialectSQLite))
	assert.Equal(t, []string{"migrations/postgres", "migrations/sqlite"}, dirs)
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newMock(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	err := RunMigrations(context.Background(), db, dbx.DialectPostgres)
	require.ErrorContains(t, err, "boom")
}
