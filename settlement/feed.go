package settlement

import (
	"context"
	"fmt"
	"time"
)

// Round is one feed reading.
type Round struct {
	ID        uint64
	Answer    Price
	UpdatedAt time.Time
}

// PriceFeed is the external flood-level source. It is trusted; the engine
// only reads it.
type PriceFeed interface {
	LatestRound(ctx context.Context) (Round, error)
}

// FeedWriter is a feed that accepts new readings from an oracle updater.
type FeedWriter interface {
	PriceFeed
	UpdateAnswer(ctx context.Context, answer Price) (Round, error)
}

// FeedAdapter turns feed failures and malformed readings into ErrFeedUnavailable.
type FeedAdapter struct {
	feed PriceFeed
}

func NewFeedAdapter(feed PriceFeed) *FeedAdapter {
	return &FeedAdapter{feed: feed}
}

// LatestRound returns the current reading. Non-positive answers are
// malformed for a flood level.
func (a *FeedAdapter) LatestRound(ctx context.Context) (Round, error) {
	if a.feed == nil {
		return Round{}, fmt.Errorf("%w: no feed configured", ErrFeedUnavailable)
	}
	round, err := a.feed.LatestRound(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if !round.Answer.IsPositive() {
		return Round{}, fmt.Errorf("%w: non-positive answer %s", ErrFeedUnavailable, round.Answer)
	}
	return round, nil
}

// LatestPrice returns only the answer of LatestRound.
func (a *FeedAdapter) LatestPrice(ctx context.Context) (Price, error) {
	round, err := a.LatestRound(ctx)
	if err != nil {
		return Price{}, err
	}
	return round.Answer, nil
}

// UpdateAnswer forwards a new reading. Callers must authorize first.
func (a *FeedAdapter) UpdateAnswer(ctx context.Context, answer Price) (Round, error) {
	w, ok := a.feed.(FeedWriter)
	if !ok {
		return Round{}, fmt.Errorf("%w: feed does not accept updates", ErrFeedUnavailable)
	}
	if !answer.IsPositive() {
		return Round{}, fmt.Errorf("%w: feed answer must be positive, got %s", ErrInvalidAmount, answer)
	}
	round, err := w.UpdateAnswer(ctx, answer)
	if err != nil {
		return Round{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	return round, nil
}
