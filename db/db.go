// Package db is the chatd persistence store: accounts, chats, message
// history and connection history in SQLite. Every operation is one
// transaction and fails with one of the package's sentinel errors.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotExists     = errors.New("does not exist")
	ErrNotAuthorized = errors.New("wrong login and/or password")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the database at path and migrates it to the latest schema.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	// One connection: writers are serialised by the pool itself.
	conn.SetMaxOpenConns(1)

	return NewWithConn(conn), nil
}

// NewWithConn wraps an already opened and migrated handle.
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn, now: time.Now}
}

func migrate(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, conn, "migrations")
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic. The returned error is already translated.
func (db *DB) withTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			err = translate(err)
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = translate(cerr)
		}
	}()

	return fn(tx)
}

// translate maps driver failures onto the package errors. Errors that
// already carry a sentinel pass through.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrNotExists),
		errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrDatabase):
		return err
	}

	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// userID resolves a login to its row id.
func userID(ctx context.Context, q DBTX, login string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT id FROM users WHERE login = ?", login).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: user %q", ErrNotExists, login)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}
