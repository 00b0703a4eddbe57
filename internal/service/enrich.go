package service

import (
	"context"

	"market_watcher/internal/domain"
)

func (s *WatchService) enrich(ctx context.Context, listing domain.Listing) (*domain.EnrichedListing, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	detail, err := s.source.FetchDetail(callCtx, listing.ID)
	if err != nil {
		return nil, err
	}

	return &domain.EnrichedListing{Listing: listing, Detail: *detail}, nil
}

// qualifies applies the seller feedback filter. Sellers with no feedback at
// all never qualify.
func (s *WatchService) qualifies(detail domain.ListingDetail) bool {
	return detail.Feedback.Total > 0 && detail.Feedback.Total >= s.config.MinFeedbackCount
}
