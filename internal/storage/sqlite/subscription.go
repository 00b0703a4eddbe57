package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"market_watcher/internal/domain"
)

type SubscriptionStore struct {
	db *sqlx.DB
}

func NewSubscriptionStore(db *sqlx.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) Create(ctx context.Context, query, destination string) (*domain.Subscription, error) {
	sub := domain.Subscription{
		Query:       query,
		Destination: destination,
		Cursor:      domain.CursorUnset,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (query, destination, last_sync, created_at) VALUES (?, ?, ?, ?)`,
		sub.Query, sub.Destination, sub.Cursor, sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}

	sub.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("subscription id: %w", err)
	}

	return &sub, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id int64) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT id, query, destination, last_sync, created_at FROM subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SubscriptionStore) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	subs := []domain.Subscription{}
	err := s.db.SelectContext(ctx, &subs,
		`SELECT id, query, destination, last_sync, created_at FROM subscriptions ORDER BY id`)
	return subs, err
}

func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SubscriptionStore) GetCursor(ctx context.Context, id int64) (int64, error) {
	var cursor int64
	err := s.db.GetContext(ctx, &cursor, `SELECT last_sync FROM subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CursorUnset, domain.ErrSubscriptionNotFound
	}
	return cursor, err
}

func (s *SubscriptionStore) SetCursor(ctx context.Context, id int64, cursor int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET last_sync = ? WHERE id = ?`, cursor, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}
