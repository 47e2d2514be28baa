package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatd/cryptox"
	"chatd/models"
)

type userRecord struct {
	models.User
	passwordHash string
	salt         string
}

// CreateUser stores a new account. An empty displayName becomes "@login".
func (db *DB) CreateUser(ctx context.Context, login, password, displayName string) (*models.User, error) {
	if login == "" || password == "" {
		return nil, fmt.Errorf("%w: login and password required", ErrInvalidInput)
	}
	if displayName == "" {
		displayName = "@" + login
	}

	salt, err := cryptox.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	hash := cryptox.HashPassword(password, salt)

	user := &models.User{
		Login:       login,
		DisplayName: displayName,
		CreatedAt:   db.now().UTC(),
	}

	err = db.withTx(ctx, func(tx DBTX) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: user %q", ErrAlreadyExists, login)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO users (login, password_hash, salt, display_name, created_at) VALUES (?, ?, ?, ?, ?)",
			login, hash, salt, displayName, formatTime(user.CreatedAt),
		)
		if err != nil {
			return err
		}
		user.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// AuthUser checks the credentials and records the connection on success.
// Unknown logins and wrong passwords both yield ErrNotAuthorized.
func (db *DB) AuthUser(ctx context.Context, login, password, address string) (*models.User, error) {
	rec, err := getUserRecord(ctx, db.conn, login)
	if errors.Is(err, ErrNotExists) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, translate(err)
	}

	if !cryptox.VerifyPassword(password, rec.salt, rec.passwordHash) {
		return nil, ErrNotAuthorized
	}

	err = db.withTx(ctx, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO connection_history (user_id, address, connected_at) VALUES (?, ?, ?)",
			rec.ID, address, formatTime(db.now()),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	user := rec.User
	return &user, nil
}

func (db *DB) GetUser(ctx context.Context, login string) (*models.User, error) {
	rec, err := getUserRecord(ctx, db.conn, login)
	if err != nil {
		return nil, translate(err)
	}
	user := rec.User
	return &user, nil
}

func getUserRecord(ctx context.Context, q DBTX, login string) (*userRecord, error) {
	var (
		rec     userRecord
		created string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, login, display_name, created_at, password_hash, salt FROM users WHERE login = ?",
		login,
	).Scan(&rec.ID, &rec.Login, &rec.DisplayName, &created, &rec.passwordHash, &rec.salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %q", ErrNotExists, login)
	}
	if err != nil {
		return nil, err
	}

	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Search finds users whose login or display name contains fragment,
// ignoring ASCII case.
func (db *DB) Search(ctx context.Context, fragment string, limit int) ([]models.User, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = -1
	}

	pattern := "%" + escapeLike(fragment) + "%"
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, login, display_name, created_at
		FROM users
		WHERE login LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\'
		ORDER BY login
		LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u       models.User
			created string
		)
		if err := rows.Scan(&u.ID, &u.Login, &u.DisplayName, &created); err != nil {
			return nil, translate(err)
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, translate(err)
		}
		users = append(users, u)
	}
	return users, translate(rows.Err())
}

// ConnectionHistory returns the latest authentications of login, newest first.
func (db *DB) ConnectionHistory(ctx context.Context, login string, limit int) ([]models.ConnectionRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	uid, err := userID(ctx, db.conn, login)
	if err != nil {
		return nil, translate(err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, address, connected_at
		FROM connection_history
		WHERE user_id = ?
		ORDER BY connected_at DESC, id DESC
		LIMIT ?`,
		uid, limit,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var records []models.ConnectionRecord
	for rows.Next() {
		var (
			r  models.ConnectionRecord
			at string
		)
		if err := rows.Scan(&r.ID, &r.Address, &at); err != nil {
			return nil, translate(err)
		}
		if r.ConnectedAt, err = parseTime(at); err != nil {
			return nil, translate(err)
		}
		r.Login = login
		records = append(records, r)
	}
	return records, translate(rows.Err())
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
