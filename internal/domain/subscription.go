package domain

import "time"

// CursorUnset marks a subscription that has never been synced.
const CursorUnset int64 = -1

// Subscription is a saved search bound to a delivery destination.
type Subscription struct {
	ID          int64     `db:"id" json:"id"`
	Query       string    `db:"query" json:"query"`
	Destination string    `db:"destination" json:"destination"`
	Cursor      int64     `db:"last_sync" json:"last_sync"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
