package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"market_watcher/internal/config"
	"market_watcher/internal/domain"
)

type Config struct {
	PageSize         int
	MinFeedbackCount int
	CallTimeout      time.Duration
	DeliveryRetry    config.RetryConfig
}

// WatchService runs the poll, detect, enrich and deliver pipeline over all
// subscriptions. It is driven by a single worker and is not meant to run
// concurrent sweeps.
type WatchService struct {
	source        Source
	subscriptions SubscriptionStore
	seen          SeenStore
	formatter     Formatter
	dispatcher    Dispatcher
	logger        *slog.Logger
	config        Config
}

func NewWatchService(
	source Source,
	subscriptions SubscriptionStore,
	seen SeenStore,
	formatter Formatter,
	dispatcher Dispatcher,
	logger *slog.Logger,
	cfg Config,
) *WatchService {
	return &WatchService{
		source:        source,
		subscriptions: subscriptions,
		seen:          seen,
		formatter:     formatter,
		dispatcher:    dispatcher,
		logger:        logger.With("source", source.ID()),
		config:        cfg,
	}
}

// Sweep processes every active subscription once. Failures inside a
// subscription are logged and counted; only failing to list subscriptions is
// returned as an error. Cancelling ctx stops the sweep after the item in flight.
func (s *WatchService) Sweep(ctx context.Context) (*domain.SweepStats, error) {
	stats := &domain.SweepStats{StartedAt: time.Now()}

	listCtx, cancel := s.callContext(ctx)
	subs, err := s.subscriptions.ListActive(listCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	stats.Subscriptions = len(subs)
	s.logger.Info("starting sweep", "subscriptions", len(subs))

	for _, sub := range subs {
		if ctx.Err() != nil {
			stats.Interrupted = true
			break
		}

		subStats, err := s.processIsolated(ctx, sub)
		if subStats != nil {
			stats.Add(subStats)
		}
		if err != nil {
			stats.Failed++
			s.logger.Error("subscription failed",
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}

	stats.Duration = time.Since(stats.StartedAt)

	s.logger.Info("sweep completed",
		"subscriptions", stats.Subscriptions,
		"failed", stats.Failed,
		"candidates", stats.Candidates,
		"delivered", stats.Delivered,
		"errors", stats.Errors,
		"interrupted", stats.Interrupted,
		"duration", stats.Duration,
	)

	return stats, nil
}

func (s *WatchService) processIsolated(ctx context.Context, sub domain.Subscription) (stats *domain.SubscriptionStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.ProcessSubscription(ctx, sub)
}

// ProcessSubscription runs the pipeline for a single subscription and writes
// its cursor at most once.
func (s *WatchService) ProcessSubscription(ctx context.Context, sub domain.Subscription) (*domain.SubscriptionStats, error) {
	logger := s.logger.With("subscription_id", sub.ID)
	stats := &domain.SubscriptionStats{SubscriptionID: sub.ID}

	callCtx, cancel := s.callContext(ctx)
	cursor, err := s.subscriptions.GetCursor(callCtx, sub.ID)
	cancel()
	if err != nil {
		return stats, fmt.Errorf("get cursor: %w", err)
	}

	callCtx, cancel = s.callContext(ctx)
	page, err := s.source.FetchPage(callCtx, sub.Query, s.config.PageSize)
	cancel()
	if err != nil {
		return stats, fmt.Errorf("fetch page: %w", err)
	}
	stats.Fetched = len(page)

	result, detectErr := s.detect(ctx, page, cursor)
	stats.Promoted = result.promoted
	stats.Candidates = len(result.candidates)

	if len(result.candidates) > 0 {
		logger.Debug("new listings found",
			"candidates", len(result.candidates),
			"duplicates", result.duplicates,
		)
	}

	for _, listing := range result.candidates {
		if ctx.Err() != nil {
			logger.Warn("stop requested, skipping remaining candidates", "listing_id", listing.ID)
			break
		}
		s.processCandidate(ctx, logger, sub, listing, stats)
	}

	if detectErr != nil {
		return stats, fmt.Errorf("detect: %w", detectErr)
	}

	if result.advance {
		callCtx, cancel = s.callContext(ctx)
		err := s.subscriptions.SetCursor(callCtx, sub.ID, result.cursor)
		cancel()
		if err != nil {
			return stats, fmt.Errorf("set cursor: %w", err)
		}
		stats.CursorAdvanced = true
		logger.Debug("cursor advanced", "from", cursor, "to", result.cursor)
	}

	return stats, nil
}

// processCandidate enriches, filters, formats and delivers one listing.
// Every failure is confined to this listing.
func (s *WatchService) processCandidate(ctx context.Context, logger *slog.Logger, sub domain.Subscription, listing domain.Listing, stats *domain.SubscriptionStats) {
	logger = logger.With("listing_id", listing.ID)

	item, err := s.enrich(ctx, listing)
	if err != nil {
		stats.Errors++
		logger.Warn("detail lookup failed", "error", err)
		return
	}
	stats.Enriched++

	if !s.qualifies(item.Detail) {
		stats.Filtered++
		logger.Debug("seller below feedback threshold", "feedback_count", item.Detail.Feedback.Total)
		return
	}

	alert, err := s.formatter.Format(sub.ID, *item)
	if err != nil {
		stats.Errors++
		logger.Error("format alert", "error", err)
		return
	}

	if err := s.deliver(ctx, logger, sub.Destination, alert); err != nil {
		stats.Errors++
		logger.Error("delivery failed",
			"destination", sub.Destination,
			"category", domain.DeliveryCategory(err),
			"error", err,
		)
		return
	}

	stats.Delivered++
	logger.Info("alert delivered", "destination", sub.Destination)
}

// callContext bounds a single network or store call. It outlives cancellation
// of ctx so that the item in flight completes during a graceful stop.
func (s *WatchService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.config.CallTimeout)
}
