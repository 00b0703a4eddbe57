package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"market_watcher/internal/alert"
	"market_watcher/internal/config"
	"market_watcher/internal/domain"
	"market_watcher/internal/service/mocks"
)

type WatchServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	source     *mocks.MockSource
	subs       *mocks.MockSubscriptionStore
	seen       *mocks.MockSeenStore
	dispatcher *mocks.MockDispatcher

	service *WatchService
	cfg     Config
	logger  *slog.Logger
}

func (s *WatchServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.source = mocks.NewMockSource(s.ctrl)
	s.subs = mocks.NewMockSubscriptionStore(s.ctrl)
	s.seen = mocks.NewMockSeenStore(s.ctrl)
	s.dispatcher = mocks.NewMockDispatcher(s.ctrl)

	s.cfg = Config{
		PageSize:         20,
		MinFeedbackCount: 1,
		CallTimeout:      time.Second,
		DeliveryRetry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.source.EXPECT().ID().Return("test-source").AnyTimes()

	formatter, err := alert.NewFormatter(alert.Config{HomeCurrency: "EUR", HomeCurrencySymbol: "€"})
	s.Require().NoError(err)

	s.service = NewWatchService(s.source, s.subs, s.seen, formatter, s.dispatcher, s.logger, s.cfg)
}

func (s *WatchServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestWatchServiceTestSuite(t *testing.T) {
	suite.Run(t, new(WatchServiceTestSuite))
}

var sub1 = domain.Subscription{ID: 1, Query: "coat", Destination: "chan-1", Cursor: 100}

func listing(id, ts int64, promoted bool) domain.Listing {
	return domain.Listing{
		ID:        id,
		Title:     "Listing",
		URL:       "https://market.example/items",
		Price:     "10.0",
		Currency:  "EUR",
		Size:      "M",
		Promoted:  promoted,
		Timestamp: ts,
		Seller:    domain.Seller{Login: "anna", ProfileURL: "https://market.example/member/1"},
		ImageURL:  "https://img.example/1.jpg",
	}
}

func detail(feedback int) *domain.ListingDetail {
	return &domain.ListingDetail{
		TotalPrice: "11.20",
		Status:     "Good",
		Brand:      "Zara",
		Feedback:   domain.Feedback{Positive: feedback, Total: feedback},
		City:       "Lyon",
		Country:    "France",
	}
}

func (s *WatchServiceTestSuite) expectSubscription(sub domain.Subscription, cursor int64, page []domain.Listing) {
	s.subs.EXPECT().GetCursor(gomock.Any(), sub.ID).Return(cursor, nil)
	s.source.EXPECT().FetchPage(gomock.Any(), sub.Query, s.cfg.PageSize).Return(page, nil)
}

func (s *WatchServiceTestSuite) expectNew(ids ...int64) {
	for _, id := range ids {
		s.seen.EXPECT().IsSeen(gomock.Any(), id).Return(false, nil)
		s.seen.EXPECT().MarkSeen(gomock.Any(), id).Return(nil)
	}
}

// recordDeliveries captures the listing ids handed to the dispatcher.
func (s *WatchServiceTestSuite) recordDeliveries(destination string, delivered *[]int64) {
	s.dispatcher.EXPECT().Deliver(gomock.Any(), destination, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, a *domain.Alert) error {
			*delivered = append(*delivered, a.ListingID)
			return nil
		},
	).AnyTimes()
}

func (s *WatchServiceTestSuite) TestSweep_FirstSyncSuppression() {
	ctx := context.Background()
	sub := domain.Subscription{ID: 7, Query: "boots", Destination: "chan-7", Cursor: domain.CursorUnset}

	s.subs.EXPECT().ListActive(gomock.Any()).Return([]domain.Subscription{sub}, nil)
	s.expectSubscription(sub, domain.CursorUnset, []domain.Listing{
		listing(30, 300, false),
		listing(20, 200, false),
		listing(10, 100, false),
	})
	s.subs.EXPECT().SetCursor(gomock.Any(), sub.ID, int64(300)).Return(nil)

	stats, err := s.service.Sweep(ctx)

	s.NoError(err)
	s.Equal(1, stats.Subscriptions)
	s.Equal(0, stats.Candidates)
	s.Equal(0, stats.Delivered)
}

func (s *WatchServiceTestSuite) TestSweep_FirstSyncIgnoresPromotedBaseline() {
	ctx := context.Background()
	sub := domain.Subscription{ID: 7, Query: "boots", Destination: "chan-7", Cursor: domain.CursorUnset}

	s.expectSubscription(sub, domain.CursorUnset, []domain.Listing{
		listing(40, 900, true),
		listing(30, 300, false),
	})
	s.subs.EXPECT().SetCursor(gomock.Any(), sub.ID, int64(300)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub)

	s.NoError(err)
	s.Equal(1, stats.Promoted)
	s.True(stats.CursorAdvanced)
}

func (s *WatchServiceTestSuite) TestSweep_DeliversNewListingsInOrder() {
	ctx := context.Background()

	s.subs.EXPECT().ListActive(gomock.Any()).Return([]domain.Subscription{sub1}, nil)
	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(4, 140, false),
		listing(3, 130, true),
		listing(2, 120, false),
		listing(1, 100, false),
		listing(0, 90, false),
	})
	s.expectNew(4, 2)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(4)).Return(detail(3), nil)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(detail(8), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(140)).Return(nil)

	stats, err := s.service.Sweep(ctx)

	s.NoError(err)
	s.Equal([]int64{4, 2}, delivered)
	s.Equal(2, stats.Candidates)
	s.Equal(2, stats.Delivered)
	s.Equal(0, stats.Errors)
}

func (s *WatchServiceTestSuite) TestProcess_AlertCarriesSubscription() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{listing(5, 150, false)})
	s.expectNew(5)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(5)).Return(detail(2), nil)
	s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, a *domain.Alert) error {
			s.Equal(sub1.ID, a.SubscriptionID)
			s.Contains(a.Footer, "Subscription #1")
			return nil
		},
	)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(150)).Return(nil)

	_, err := s.service.ProcessSubscription(ctx, sub1)
	s.NoError(err)
}

func (s *WatchServiceTestSuite) TestProcess_SeenListingsNeverCandidates() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.seen.EXPECT().IsSeen(gomock.Any(), int64(2)).Return(true, nil)
	s.seen.EXPECT().IsSeen(gomock.Any(), int64(1)).Return(true, nil)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(0, stats.Candidates)
	s.True(stats.CursorAdvanced, "cursor progresses even without candidates")
}

func (s *WatchServiceTestSuite) TestProcess_OverlappingSweepsAreIdempotent() {
	ctx := context.Background()
	marked := map[int64]bool{}

	s.seen.EXPECT().IsSeen(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id int64) (bool, error) { return marked[id], nil },
	).AnyTimes()
	s.seen.EXPECT().MarkSeen(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id int64) error { marked[id] = true; return nil },
	).AnyTimes()
	s.source.EXPECT().FetchDetail(gomock.Any(), gomock.Any()).Return(detail(1), nil).AnyTimes()

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)

	// The second page overlaps the first: id 2 appears with a newer timestamp.
	s.expectSubscription(sub1, 100, []domain.Listing{listing(2, 120, false), listing(1, 110, false)})
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)
	s.expectSubscription(sub1, 120, []domain.Listing{listing(3, 130, false), listing(2, 125, false)})
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(130)).Return(nil)

	_, err := s.service.ProcessSubscription(ctx, sub1)
	s.NoError(err)
	_, err = s.service.ProcessSubscription(ctx, sub1)
	s.NoError(err)

	s.Equal([]int64{2, 1, 3}, delivered)
}

func (s *WatchServiceTestSuite) TestProcess_CursorNeverDecreases() {
	ctx := context.Background()

	s.expectSubscription(sub1, 500, []domain.Listing{
		listing(2, 450, false),
		listing(1, 400, false),
	})

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(0, stats.Candidates)
	s.False(stats.CursorAdvanced)
}

func (s *WatchServiceTestSuite) TestProcess_PromotedOnlyPageKeepsCursor() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 300, true),
		listing(1, 200, true),
	})

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(2, stats.Promoted)
	s.Equal(0, stats.Candidates)
	s.False(stats.CursorAdvanced)
}

func (s *WatchServiceTestSuite) TestProcess_EmptyPage() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(0, stats.Fetched)
	s.False(stats.CursorAdvanced)
}

func (s *WatchServiceTestSuite) TestProcess_FeedbackFilter() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(detail(0), nil)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal([]int64{1}, delivered)
	s.Equal(1, stats.Filtered)
	s.Equal(1, stats.Delivered)
}

func (s *WatchServiceTestSuite) TestProcess_MinFeedbackThreshold() {
	ctx := context.Background()
	s.cfg.MinFeedbackCount = 5
	svc := NewWatchService(s.source, s.subs, s.seen, s.service.formatter, s.dispatcher, s.logger, s.cfg)

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(detail(4), nil)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(5), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)

	_, err := svc.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal([]int64{1}, delivered)
}

func (s *WatchServiceTestSuite) TestProcess_DetailFailureIsolated() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(3, 130, false),
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(3, 2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(3)).Return(detail(1), nil)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(nil, domain.ErrDetailNotFound)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(130)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal([]int64{3, 1}, delivered)
	s.Equal(1, stats.Errors)
}

func (s *WatchServiceTestSuite) TestProcess_FormatFailureIsolated() {
	ctx := context.Background()

	broken := detail(1)
	broken.Status = ""

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(broken, nil)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal([]int64{1}, delivered)
	s.Equal(1, stats.Errors)
}

func (s *WatchServiceTestSuite) TestProcess_DeliveryOtherIsRetried() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{listing(1, 110, false)})
	s.expectNew(1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)
	gomock.InOrder(
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).
			Return(errors.Join(domain.ErrDeliveryOther, errors.New("429"))),
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).Return(nil),
	)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(110)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(1, stats.Delivered)
	s.Equal(0, stats.Errors)
}

func (s *WatchServiceTestSuite) TestProcess_DeliveryWaitsForRetryAfter() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{listing(1, 110, false)})
	s.expectNew(1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)
	gomock.InOrder(
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).
			Return(&domain.RetryAfterError{Wait: 60 * time.Millisecond, Err: domain.ErrDeliveryOther}),
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).Return(nil),
	)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(110)).Return(nil)

	start := time.Now()
	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(1, stats.Delivered)
	s.GreaterOrEqual(time.Since(start), 60*time.Millisecond)
}

func (s *WatchServiceTestSuite) TestProcess_StopSkipsDeliveryRetries() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := s.cfg
	cfg.DeliveryRetry.InitialBackoff = time.Minute
	cfg.DeliveryRetry.MaxBackoff = time.Minute
	svc := NewWatchService(s.source, s.subs, s.seen, s.service.formatter, s.dispatcher, s.logger, cfg)

	s.expectSubscription(sub1, 100, []domain.Listing{listing(1, 110, false)})
	s.expectNew(1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(1)).Return(detail(1), nil)
	s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).DoAndReturn(
		func(context.Context, string, *domain.Alert) error {
			cancel()
			return domain.ErrDeliveryOther
		},
	).Times(1)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(110)).Return(nil)

	start := time.Now()
	stats, err := svc.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(1, stats.Errors)
	s.Equal(0, stats.Delivered)
	s.Less(time.Since(start), 10*time.Second)
}

func (s *WatchServiceTestSuite) TestProcess_DeliveryFailuresIsolated() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(3, 130, false),
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(3, 2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), gomock.Any()).Return(detail(1), nil).Times(3)
	gomock.InOrder(
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).Return(domain.ErrDeliveryPermissionDenied),
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).Return(domain.ErrDeliveryNotFound),
		s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).Return(domain.ErrDeliveryOther).Times(3),
	)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(130)).Return(nil)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.NoError(err)
	s.Equal(0, stats.Delivered)
	s.Equal(3, stats.Errors)
}

func (s *WatchServiceTestSuite) TestProcess_SeenStoreFailureKeepsCursor() {
	ctx := context.Background()

	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(2)
	s.seen.EXPECT().IsSeen(gomock.Any(), int64(1)).Return(false, errors.New("db down"))
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(detail(1), nil)

	var delivered []int64
	s.recordDeliveries("chan-1", &delivered)

	stats, err := s.service.ProcessSubscription(ctx, sub1)

	s.Error(err)
	s.Equal([]int64{2}, delivered)
	s.False(stats.CursorAdvanced)
}

func (s *WatchServiceTestSuite) TestSweep_SubscriptionFailuresIsolated() {
	ctx := context.Background()
	sub2 := domain.Subscription{ID: 2, Query: "boots", Destination: "chan-2"}
	sub3 := domain.Subscription{ID: 3, Query: "hats", Destination: "chan-3"}

	s.subs.EXPECT().ListActive(gomock.Any()).Return([]domain.Subscription{sub1, sub2, sub3}, nil)

	s.subs.EXPECT().GetCursor(gomock.Any(), sub1.ID).Return(int64(100), nil)
	s.source.EXPECT().FetchPage(gomock.Any(), sub1.Query, gomock.Any()).Return(nil, domain.ErrSourceFetch)

	s.subs.EXPECT().GetCursor(gomock.Any(), sub2.ID).Return(int64(100), nil)
	s.source.EXPECT().FetchPage(gomock.Any(), sub2.Query, gomock.Any()).DoAndReturn(
		func(context.Context, string, int) ([]domain.Listing, error) { panic("unexpected shape") },
	)

	s.expectSubscription(sub3, 100, []domain.Listing{listing(9, 190, false)})
	s.expectNew(9)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(9)).Return(detail(1), nil)
	s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-3", gomock.Any()).Return(nil)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub3.ID, int64(190)).Return(nil)

	stats, err := s.service.Sweep(ctx)

	s.NoError(err)
	s.Equal(3, stats.Subscriptions)
	s.Equal(2, stats.Failed)
	s.Equal(1, stats.Delivered)
}

func (s *WatchServiceTestSuite) TestSweep_ListError() {
	s.subs.EXPECT().ListActive(gomock.Any()).Return(nil, errors.New("db down"))

	stats, err := s.service.Sweep(context.Background())

	s.Error(err)
	s.Nil(stats)
	s.Contains(err.Error(), "list subscriptions")
}

func (s *WatchServiceTestSuite) TestSweep_StopFinishesCurrentItem() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub2 := domain.Subscription{ID: 2, Query: "boots", Destination: "chan-2"}

	s.subs.EXPECT().ListActive(gomock.Any()).Return([]domain.Subscription{sub1, sub2}, nil)
	s.expectSubscription(sub1, 100, []domain.Listing{
		listing(2, 120, false),
		listing(1, 110, false),
	})
	s.expectNew(2, 1)
	s.source.EXPECT().FetchDetail(gomock.Any(), int64(2)).Return(detail(1), nil)
	s.dispatcher.EXPECT().Deliver(gomock.Any(), "chan-1", gomock.Any()).DoAndReturn(
		func(callCtx context.Context, _ string, _ *domain.Alert) error {
			cancel()
			s.NoError(callCtx.Err(), "the item in flight keeps a live context")
			return nil
		},
	)
	s.subs.EXPECT().SetCursor(gomock.Any(), sub1.ID, int64(120)).Return(nil)

	stats, err := s.service.Sweep(ctx)

	s.NoError(err)
	s.True(stats.Interrupted)
	s.Equal(1, stats.Delivered)
}
