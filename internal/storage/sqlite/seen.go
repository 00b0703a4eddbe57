package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type SeenStore struct {
	db *sqlx.DB
}

func NewSeenStore(db *sqlx.DB) *SeenStore {
	return &SeenStore{db: db}
}

func (s *SeenStore) IsSeen(ctx context.Context, listingID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM seen_items WHERE listing_id = ?`, listingID)
	return n > 0, err
}

func (s *SeenStore) MarkSeen(ctx context.Context, listingID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items (listing_id, seen_at) VALUES (?, ?) ON CONFLICT (listing_id) DO NOTHING`,
		listingID, time.Now().UTC(),
	)
	return err
}
