package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDBWithMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	database := NewWithConn(conn)
	database.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return database, mock
}

func TestCreateUser_UniqueConstraintRace(t *testing.T) {
	database, mock := newDBWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)^SELECT COUNT\(\*\) FROM users WHERE login = \?$`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`(?s)^INSERT INTO users`).
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectRollback()

	_, err := database.CreateUser(context.Background(), "alice", "pw", "")
	assert.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUser_DatabaseDown(t *testing.T) {
	database, mock := newDBWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := database.CreateUser(context.Background(), "alice", "pw", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDatabase))
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFails(t *testing.T) {
	database, mock := newDBWithMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("locked"))

	err := database.MarkDelivered(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFails(t *testing.T) {
	database, mock := newDBWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET delivered = 1 WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	err := database.MarkDelivered(context.Background(), 7)
	assert.True(t, errors.Is(err, ErrDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	database, mock := newDBWithMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = database.withTx(context.Background(), func(tx DBTX) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthUser_LookupFails(t *testing.T) {
	database, mock := newDBWithMock(t)

	mock.ExpectQuery(`FROM users WHERE login = \?`).
		WithArgs("alice").
		WillReturnError(sql.ErrConnDone)

	_, err := database.AuthUser(context.Background(), "alice", "pw", "127.0.0.1:1")
	assert.True(t, errors.Is(err, ErrDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))
	assert.Equal(t, ErrNotAuthorized, translate(ErrNotAuthorized))

	wrapped := translate(errors.New("boom"))
	assert.True(t, errors.Is(wrapped, ErrDatabase))
	assert.Equal(t, wrapped, translate(wrapped), "translation is idempotent")

	unique := translate(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	assert.True(t, errors.Is(unique, ErrAlreadyExists))

	fk := translate(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey})
	assert.True(t, errors.Is(fk, ErrDatabase))
}
