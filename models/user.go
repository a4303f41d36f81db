package models

import "time"

// User holds the display fields the sync core needs. Accounts and credentials
// are owned by a separate service.
type User struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Avatar    string    `db:"avatar" json:"avatar"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Presence is the online flag and last-seen time of a user. Connections is the
// number of live sockets across all gateway processes.
type Presence struct {
	UserID      string     `db:"user_id" json:"userId"`
	IsOnline    bool       `db:"is_online" json:"isOnline"`
	LastSeenAt  *time.Time `db:"last_seen_at" json:"lastSeenAt"`
	Connections int        `db:"connections" json:"-"`
}
