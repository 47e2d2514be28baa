package models

import "time"

// User is an account as seen outside the store: the password digest and
// salt never leave the db package.
type User struct {
	ID          int64
	Login       string
	DisplayName string
	CreatedAt   time.Time
}

// Chat links two users. UserLo < UserHi, so a pair has one row whichever
// side created it.
type Chat struct {
	ID     int64
	UserLo int64
	UserHi int64
}

// Contact is the other side of a chat.
type Contact struct {
	Login       string
	DisplayName string
}

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	SentAt    time.Time
	Delivered bool
}

// ConnectionRecord is one successful authentication.
type ConnectionRecord struct {
	ID          int64
	Login       string
	Address     string
	ConnectedAt time.Time
}
