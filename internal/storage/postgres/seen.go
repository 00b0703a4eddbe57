package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SeenStore is the global set of listing ids already processed.
type SeenStore struct {
	db *sqlx.DB
}

func NewSeenStore(db *sqlx.DB) *SeenStore {
	return &SeenStore{db: db}
}

func (s *SeenStore) IsSeen(ctx context.Context, listingID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM seen_items WHERE listing_id = $1)`, listingID)
	return exists, err
}

func (s *SeenStore) MarkSeen(ctx context.Context, listingID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items (listing_id) VALUES ($1) ON CONFLICT (listing_id) DO NOTHING`, listingID)
	return err
}
