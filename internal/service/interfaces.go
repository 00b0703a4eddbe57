package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"market_watcher/internal/domain"
)

type Source interface {
	ID() string
	FetchPage(ctx context.Context, query string, pageSize int) ([]domain.Listing, error)
	FetchDetail(ctx context.Context, listingID int64) (*domain.ListingDetail, error)
}

type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]domain.Subscription, error)
	GetCursor(ctx context.Context, subscriptionID int64) (int64, error)
	SetCursor(ctx context.Context, subscriptionID int64, cursor int64) error
}

type SeenStore interface {
	IsSeen(ctx context.Context, listingID int64) (bool, error)
	MarkSeen(ctx context.Context, listingID int64) error
}

type Formatter interface {
	Format(subscriptionID int64, item domain.EnrichedListing) (*domain.Alert, error)
}

type Dispatcher interface {
	Deliver(ctx context.Context, destination string, alert *domain.Alert) error
	Close() error
}
