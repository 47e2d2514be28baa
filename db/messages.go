package db

import (
	"context"
	"fmt"
	"unicode/utf8"

	"chatd/models"
)

// MaxContentLength bounds a message body, in characters.
const MaxContentLength = 1200

// CreateMessage stores a message from sender to recipient. The pair must
// share a chat.
func (db *DB) CreateMessage(ctx context.Context, sender, recipient, content string, delivered bool) (*models.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", ErrInvalidInput, MaxContentLength)
	}

	msg := &models.Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		SentAt:    db.now().UTC(),
		Delivered: delivered,
	}

	err := db.withTx(ctx, func(tx DBTX) error {
		lo, hi, err := pair(ctx, tx, sender, recipient)
		if err != nil {
			return err
		}

		ok, err := chatBetween(ctx, tx, lo, hi)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: chat %s/%s", ErrNotExists, sender, recipient)
		}

		from, err := userID(ctx, tx, sender)
		if err != nil {
			return err
		}
		to := hi
		if from == hi {
			to = lo
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO messages (sender_id, recipient_id, content, sent_at, delivered) VALUES (?, ?, ?, ?, ?)",
			from, to, content, formatTime(msg.SentAt), delivered,
		)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkDelivered flags one message as handed to its recipient.
func (db *DB) MarkDelivered(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx DBTX) error {
		res, err := tx.ExecContext(ctx, "UPDATE messages SET delivered = 1 WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: message %d", ErrNotExists, id)
		}
		return nil
	})
}

const messageColumns = `
	SELECT m.id, s.login, r.login, m.content, m.sent_at, m.delivered
	FROM messages m
	JOIN users s ON s.id = m.sender_id
	JOIN users r ON r.id = m.recipient_id`

// GetMessageHistory returns the messages of login, oldest first. With a
// peer it keeps only those exchanged with that peer, in both directions. A
// limit of zero or less means no limit.
func (db *DB) GetMessageHistory(ctx context.Context, login, peer string, offset, limit int) ([]models.Message, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = -1
	}

	var messages []models.Message
	err := db.withTx(ctx, func(tx DBTX) error {
		var (
			where string
			args  []any
		)
		if peer == "" {
			uid, err := userID(ctx, tx, login)
			if err != nil {
				return err
			}
			where = "m.sender_id = ? OR m.recipient_id = ?"
			args = []any{uid, uid}
		} else {
			lo, hi, err := pair(ctx, tx, login, peer)
			if err != nil {
				return err
			}
			where = "(m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?)"
			args = []any{lo, hi, hi, lo}
		}

		rows, err := tx.QueryContext(ctx, messageColumns+`
			WHERE `+where+`
			ORDER BY m.sent_at, m.id
			LIMIT ? OFFSET ?`,
			append(args, limit, offset)...,
		)
		if err != nil {
			return err
		}
		messages, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// PullInbox returns every undelivered message addressed to login, oldest
// first, and marks them delivered in the same transaction.
func (db *DB) PullInbox(ctx context.Context, login string) ([]models.Message, error) {
	var messages []models.Message
	err := db.withTx(ctx, func(tx DBTX) error {
		uid, err := userID(ctx, tx, login)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, messageColumns+`
			WHERE m.recipient_id = ? AND m.delivered = 0
			ORDER BY m.sent_at, m.id`,
			uid,
		)
		if err != nil {
			return err
		}
		if messages, err = scanMessages(rows); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "UPDATE messages SET delivered = 1 WHERE recipient_id = ? AND delivered = 0", uid)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Delivered = true
	}
	return messages, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanMessages(rows rowScanner) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m      models.Message
			sentAt string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &sentAt, &m.Delivered); err != nil {
			return nil, err
		}
		t, err := parseTime(sentAt)
		if err != nil {
			return nil, err
		}
		m.SentAt = t
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
