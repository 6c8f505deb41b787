package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/paramify/insurance-engine/settlement"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
	sent chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{sent: make(chan struct{}, 64)}
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.sent <- struct{}{} }()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: "PARAMIFY_EVENTS", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeStream) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func waitSent(t *testing.T, f *fakeStream, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for publish %d of %d", i+1, n)
		}
	}
}

func TestPublisher_DeliversOnTypedSubject(t *testing.T) {
	stream := newFakeStream()
	pub := NewPublisher(stream, "", 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pub.Publish(settlement.Event{
		Type:      settlement.EventPayoutReleased,
		Caller:    "0xadmin",
		Principal: "0xalice",
		PolicyID:  "p-1",
		Amount:    "1",
		Price:     "3500.00000000",
		Balance:   "1.1",
		At:        at,
	})
	waitSent(t, stream, 1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	msgs := stream.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "paramify.events.payout_released", msgs[0].subject)

	var got settlement.Event
	require.NoError(t, json.Unmarshal(msgs[0].data, &got))
	assert.Equal(t, settlement.EventPayoutReleased, got.Type)
	assert.Equal(t, settlement.Principal("0xalice"), got.Principal)
	assert.Equal(t, "3500.00000000", got.Price)
	assert.True(t, at.Equal(got.At))
}

func TestPublisher_PreservesOrder(t *testing.T) {
	stream := newFakeStream()
	pub := NewPublisher(stream, "test.events", 8, zerolog.Nop())

	pub.Publish(settlement.Event{Type: settlement.EventTreasuryFunded})
	pub.Publish(settlement.Event{Type: settlement.EventPolicyPurchased})
	pub.Publish(settlement.Event{Type: settlement.EventPayoutReleased})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()
	waitSent(t, stream, 3)
	cancel()
	<-done

	msgs := stream.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "test.events.treasury_funded", msgs[0].subject)
	assert.Equal(t, "test.events.policy_purchased", msgs[1].subject)
	assert.Equal(t, "test.events.payout_released", msgs[2].subject)
}

func TestPublisher_FullBufferDropsWithoutBlocking(t *testing.T) {
	pub := NewPublisher(newFakeStream(), "", 2, zerolog.Nop())

	// No Run loop: the third event has nowhere to go.
	pub.Publish(settlement.Event{Type: settlement.EventFeedUpdated})
	pub.Publish(settlement.Event{Type: settlement.EventFeedUpdated})
	pub.Publish(settlement.Event{Type: settlement.EventFeedUpdated})

	assert.Equal(t, uint64(1), pub.Dropped())
}

func TestPublisher_FailedPublishIsCounted(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("nats: no responders available for request")
	pub := NewPublisher(stream, "", 4, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	pub.Publish(settlement.Event{Type: settlement.EventRoleGranted})
	waitSent(t, stream, 1)
	cancel()
	<-done

	assert.Empty(t, stream.messages())
	assert.Eventually(t, func() bool { return pub.Failed() == 1 }, time.Second, 10*time.Millisecond)
}
