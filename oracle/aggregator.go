/*
Package oracle provides an in-process flood-level feed.

PURPOSE:
  Stands in for an external 8-decimal aggregator: it holds the latest
  answer, numbers rounds, and keeps a bounded history. The settlement engine
  treats it as a trusted external feed; role checks for updates happen in the
  engine before UpdateAnswer is called.

SCALE:
  Answers are settlement.Price values at 8 decimal places. An initial answer
  of 2000 reads back as 2000.00000000, raw answer 200000000000.

SEE ALSO:
  - settlement/feed.go: PriceFeed and FeedWriter interfaces
*/
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/paramify/insurance-engine/settlement"
)

// Decimals is the fixed answer precision.
const Decimals = settlement.PriceDecimals

// DefaultHistory is the number of rounds kept when none is configured.
const DefaultHistory = 256

var (
	ErrNoData        = errors.New("no data present")
	ErrRoundNotFound = errors.New("round not found")
)

// Aggregator is a mutable feed with round history. Safe for concurrent use.
type Aggregator struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	history int
	rounds  []settlement.Round // oldest first, at most history entries
	nextID  uint64
}

// NewAggregator creates a feed. A positive initial answer is recorded as
// round 1; a zero Price leaves the feed empty until the first update.
func NewAggregator(initial settlement.Price, history int, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	a := &Aggregator{clock: clock, history: history, nextID: 1}
	if initial.IsPositive() {
		a.push(initial)
	}
	return a
}

// Decimals returns the answer precision.
func (a *Aggregator) Decimals() int { return Decimals }

// LatestRound returns the most recent round, ErrNoData when empty.
func (a *Aggregator) LatestRound(_ context.Context) (settlement.Round, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.rounds) == 0 {
		return settlement.Round{}, ErrNoData
	}
	return a.rounds[len(a.rounds)-1], nil
}

// UpdateAnswer records a new round.
func (a *Aggregator) UpdateAnswer(_ context.Context, answer settlement.Price) (settlement.Round, error) {
	if !answer.IsPositive() {
		return settlement.Round{}, fmt.Errorf("answer must be positive, got %s", answer)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.push(answer), nil
}

// GetRound returns a round still held in history.
func (a *Aggregator) GetRound(_ context.Context, id uint64) (settlement.Round, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.rounds {
		if r.ID == id {
			return r, nil
		}
	}
	return settlement.Round{}, fmt.Errorf("%w: %d", ErrRoundNotFound, id)
}

// Rounds returns the retained history, oldest first.
func (a *Aggregator) Rounds() []settlement.Round {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]settlement.Round, len(a.rounds))
	copy(out, a.rounds)
	return out
}

func (a *Aggregator) push(answer settlement.Price) settlement.Round {
	r := settlement.Round{ID: a.nextID, Answer: answer, UpdatedAt: a.clock.Now().UTC()}
	a.nextID++
	a.rounds = append(a.rounds, r)
	if len(a.rounds) > a.history {
		a.rounds = append([]settlement.Round(nil), a.rounds[len(a.rounds)-a.history:]...)
	}
	return r
}
