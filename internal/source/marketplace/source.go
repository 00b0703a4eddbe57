package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"market_watcher/internal/domain"
)

const (
	SourceID   = "marketplace"
	SourceName = "Marketplace catalog"
)

var errNotFound = errors.New("not found")

// Config holds marketplace source configuration.
type Config struct {
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Source fetches catalog pages and item details from the marketplace JSON API.
type Source struct {
	httpClient     *http.Client
	baseURL        string
	userAgent      string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// New creates a new marketplace source.
func New(cfg Config, logger *slog.Logger) *Source {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &Source{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:      cfg.UserAgent,
		maxAttempts:    maxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (s *Source) ID() string {
	return SourceID
}

// Name returns human-readable name.
func (s *Source) Name() string {
	return SourceName
}

// FetchPage returns the current listings for a search query, most recent first.
func (s *Source) FetchPage(ctx context.Context, query string, pageSize int) ([]domain.Listing, error) {
	endpoint, err := s.catalogURL(query, pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceMalformed, err)
	}

	var resp catalogResponse
	err = s.withRetry(ctx, "catalog", func() error {
		return s.doRequest(ctx, endpoint, &resp)
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: catalog endpoint returned 404", domain.ErrSourceFetch)
		}
		return nil, err
	}

	if resp.Items == nil {
		return nil, fmt.Errorf("%w: missing items", domain.ErrSourceMalformed)
	}

	listings := s.transform(*resp.Items)

	s.logger.Debug("fetched page",
		"items", len(*resp.Items),
		"listings", len(listings),
	)

	return listings, nil
}

// FetchDetail returns the item-level detail for a single listing.
func (s *Source) FetchDetail(ctx context.Context, listingID int64) (*domain.ListingDetail, error) {
	endpoint := fmt.Sprintf("%s/items/%d", s.baseURL, listingID)

	var resp itemResponse
	err := s.withRetry(ctx, "item", func() error {
		return s.doRequest(ctx, endpoint, &resp)
	})
	switch {
	case errors.Is(err, errNotFound):
		return nil, fmt.Errorf("%w: item %d", domain.ErrDetailNotFound, listingID)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", domain.ErrDetailFetch, err)
	}

	if resp.Item == nil || resp.Item.User == nil || resp.Item.User.FeedbackCount == nil {
		return nil, fmt.Errorf("%w: %w: item %d lacks seller data", domain.ErrDetailFetch, domain.ErrSourceMalformed, listingID)
	}

	item := resp.Item
	return &domain.ListingDetail{
		TotalPrice: item.TotalItemPrice.Amount,
		Status:     item.Status,
		Brand:      item.Brand,
		Feedback: domain.Feedback{
			Positive: item.User.PositiveFeedbackCount,
			Negative: item.User.NegativeFeedbackCount,
			Total:    *item.User.FeedbackCount,
		},
		City:    item.User.City,
		Country: item.User.CountryTitle,
	}, nil
}

// catalogURL maps a saved search into a catalog API request. Search page URLs
// keep their filter parameters; anything else is used as free text.
func (s *Source) catalogURL(query string, pageSize int) (string, error) {
	params := url.Values{}

	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty query")
	}

	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		u, err := url.Parse(query)
		if err != nil {
			return "", fmt.Errorf("parse query url: %w", err)
		}
		params = u.Query()
	} else {
		params.Set("search_text", query)
	}

	params.Set("per_page", strconv.Itoa(pageSize))
	if params.Get("order") == "" {
		params.Set("order", "newest_first")
	}

	return s.baseURL + "/catalog/items?" + params.Encode(), nil
}

func (s *Source) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, domain.ErrSourceFetch) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("request failed, retrying",
			"op", op,
			"backoff", wait,
			"error", err,
		)
	})
}

func (s *Source) doRequest(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrSourceMalformed, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %v", domain.ErrSourceFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: unexpected status: %d", domain.ErrSourceFetch, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrSourceMalformed, err)
	}

	return nil
}

func (s *Source) transform(items []apiItem) []domain.Listing {
	listings := make([]domain.Listing, 0, len(items))

	for _, it := range items {
		if it.ID == nil {
			s.logger.Warn("skipping item without id", "title", it.Title)
			continue
		}
		if it.Photo == nil || it.Photo.HighResolution == nil || it.Photo.HighResolution.Timestamp == nil {
			s.logger.Warn("skipping item without capture timestamp", "listing_id", *it.ID)
			continue
		}

		currency := it.Currency
		if currency == "" {
			currency = it.Price.CurrencyCode
		}

		listings = append(listings, domain.Listing{
			ID:        *it.ID,
			Title:     it.Title,
			URL:       it.URL,
			Price:     it.Price.Amount,
			Currency:  currency,
			Size:      it.SizeTitle,
			Promoted:  it.Promoted,
			Timestamp: *it.Photo.HighResolution.Timestamp,
			Seller: domain.Seller{
				Login:      it.User.Login,
				ProfileURL: it.User.ProfileURL,
			},
			ImageURL: it.Photo.URL,
		})
	}

	return listings
}
