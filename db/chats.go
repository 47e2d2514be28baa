package db

import (
	"context"
	"fmt"

	"chatd/models"
)

// pair resolves both logins and orders the ids so (a, b) and (b, a) address
// the same chat row.
func pair(ctx context.Context, q DBTX, a, b string) (lo, hi int64, err error) {
	if a == b {
		return 0, 0, fmt.Errorf("%w: chat with oneself", ErrInvalidInput)
	}
	if lo, err = userID(ctx, q, a); err != nil {
		return 0, 0, err
	}
	if hi, err = userID(ctx, q, b); err != nil {
		return 0, 0, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

// CreateChat links two users. A pair can only be linked once.
func (db *DB) CreateChat(ctx context.Context, a, b string) (*models.Chat, error) {
	chat := &models.Chat{}
	err := db.withTx(ctx, func(tx DBTX) error {
		lo, hi, err := pair(ctx, tx, a, b)
		if err != nil {
			return err
		}

		exists, err := chatBetween(ctx, tx, lo, hi)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: chat %s/%s", ErrAlreadyExists, a, b)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO chats (user_lo, user_hi, created_at) VALUES (?, ?, ?)",
			lo, hi, formatTime(db.now()),
		)
		if err != nil {
			return err
		}
		chat.UserLo, chat.UserHi = lo, hi
		chat.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat unlinks two users. Their message history is kept.
func (db *DB) DeleteChat(ctx context.Context, a, b string) error {
	return db.withTx(ctx, func(tx DBTX) error {
		lo, hi, err := pair(ctx, tx, a, b)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE user_lo = ? AND user_hi = ?", lo, hi)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: chat %s/%s", ErrNotExists, a, b)
		}
		return nil
	})
}

// chatBetween reports whether the ordered user pair lo/hi shares a chat.
func chatBetween(ctx context.Context, q DBTX, lo, hi int64) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chats WHERE user_lo = ? AND user_hi = ?", lo, hi,
	).Scan(&count)
	return count > 0, err
}

// GetContacts lists the users login shares a chat with, ordered by login.
func (db *DB) GetContacts(ctx context.Context, login string) ([]models.Contact, error) {
	var contacts []models.Contact
	err := db.withTx(ctx, func(tx DBTX) error {
		uid, err := userID(ctx, tx, login)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT u.login, u.display_name
			FROM chats c
			JOIN users u ON u.id = CASE WHEN c.user_lo = ? THEN c.user_hi ELSE c.user_lo END
			WHERE c.user_lo = ? OR c.user_hi = ?
			ORDER BY u.login`,
			uid, uid, uid,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c models.Contact
			if err := rows.Scan(&c.Login, &c.DisplayName); err != nil {
				return err
			}
			contacts = append(contacts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return contacts, nil
}
