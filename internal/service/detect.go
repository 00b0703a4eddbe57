package service

import (
	"context"
	"fmt"

	"market_watcher/internal/domain"
)

type detection struct {
	candidates []domain.Listing
	cursor     int64
	advance    bool
	promoted   int
	duplicates int
}

// detect selects the listings of a most-recent-first page that are newer than
// cursor and not yet seen, marking each selected listing as seen.
//
// On first sync only the cursor is established: the newest listing becomes
// the baseline and is neither delivered nor marked seen. The cursor moves to
// the newest organic listing whenever it is ahead of the stored one, even if
// no candidate was produced.
//
// On a seen-store failure the candidates selected so far are returned together
// with the error and the cursor is left alone, so the rest of the page is
// reconsidered on the next sweep.
func (s *WatchService) detect(ctx context.Context, page []domain.Listing, cursor int64) (detection, error) {
	var d detection

	organic := make([]domain.Listing, 0, len(page))
	for _, l := range page {
		if l.Promoted {
			d.promoted++
			continue
		}
		organic = append(organic, l)
	}

	if len(organic) == 0 {
		return d, nil
	}

	newest := organic[0].Timestamp

	if cursor == domain.CursorUnset {
		d.cursor, d.advance = newest, true
		return d, nil
	}

	for _, l := range organic {
		if l.Timestamp <= cursor {
			continue
		}

		seen, err := s.isSeen(ctx, l.ID)
		if err != nil {
			return d, fmt.Errorf("check seen %d: %w", l.ID, err)
		}
		if seen {
			d.duplicates++
			continue
		}

		if err := s.markSeen(ctx, l.ID); err != nil {
			return d, fmt.Errorf("mark seen %d: %w", l.ID, err)
		}
		d.candidates = append(d.candidates, l)
	}

	if newest > cursor {
		d.cursor, d.advance = newest, true
	}

	return d, nil
}

func (s *WatchService) isSeen(ctx context.Context, id int64) (bool, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.seen.IsSeen(callCtx, id)
}

func (s *WatchService) markSeen(ctx context.Context, id int64) error {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.seen.MarkSeen(callCtx, id)
}
