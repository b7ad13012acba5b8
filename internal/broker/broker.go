// Package broker implements the in-memory, topic-based message broker
// (spec §4.A): glob subscriptions, request/response correlation, TTL
// expiry, and bounded history replay.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/types"
)

// Callback receives a delivered message. It may block briefly; the broker
// dispatches each callback on its own goroutine so one slow or panicking
// subscriber never blocks another (spec §4.A: "Delivery failures in any
// one subscriber MUST NOT block others").
type Callback func(types.Message)

// Filter optionally narrows delivery beyond the topic pattern match.
type Filter func(types.Message) bool

type subscription struct {
	id         string
	subscriber string
	pattern    string
	callback   Callback
	filter     Filter
	createdAt  time.Time

	// tail is closed once the most recently dispatched callback has
	// returned; each dispatch waits on its predecessor's tail, which
	// serialises callback invocation order per-subscription (spec §5:
	// "for a given subscription, callbacks are invoked in publish order").
	// mu guards tail.
	mu   sync.Mutex
	tail chan struct{}
}

// Stats exposes a snapshot of broker activity, mirroring the teacher's
// GetStats()-style accessors.
type Stats struct {
	MessagesPublished  int64
	MessagesDelivered  int64
	ActiveSubscriptions int64
	RequestResponsePairs int64
}

// Broker is the single-process pub/sub and request/response fabric.
type Broker struct {
	logger zerolog.Logger

	mu            sync.RWMutex
	subsByPattern map[string][]*subscription
	subsByID      map[string]*subscription
	history       []types.Message
	maxHistory    int

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Broker with a bounded history of maxHistory messages.
func New(logger zerolog.Logger, maxHistory int) *Broker {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Broker{
		logger:        logger.With().Str("component", "broker").Logger(),
		subsByPattern: make(map[string][]*subscription),
		subsByID:      make(map[string]*subscription),
		maxHistory:    maxHistory,
	}
}

// Start begins the background TTL-expiry sweep (spec §4.A: "a background
// task scans history at ~60s cadence and evicts expired entries").
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.expiryLoop(runCtx)
	b.logger.Info().Msg("message broker started")
}

// Stop cancels the background sweep and marks the broker not-running.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.logger.Info().Msg("message broker stopped")
}

func (b *Broker) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *Broker) expiryLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictExpired()
		}
	}
}

func (b *Broker) evictExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.history[:0]
	for _, m := range b.history {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	b.history = kept
}

// Publish appends the message to history and delivers it to every matching
// subscription as an independent task. Returns the generated message id.
func (b *Broker) Publish(topic string, payload any, opts ...PublishOption) (string, error) {
	if !b.isRunning() {
		return "", fmt.Errorf("publish to %q: %w", topic, types.ErrNotRunning)
	}

	raw, err := types.PayloadOf(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %q: %w", topic, err)
	}

	msg := types.Message{
		ID:        uuid.NewString(),
		Type:      types.MessageNotification,
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	for _, o := range opts {
		o(&msg)
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	matches := b.matchingLocked(msg.Topic)
	b.mu.Unlock()

	now := time.Now()
	if msg.Expired(now) {
		b.bumpPublished(0)
		return msg.ID, nil
	}

	delivered := int64(0)
	for _, sub := range matches {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		delivered++
		b.dispatch(sub, msg)
	}
	b.bumpPublished(delivered)

	return msg.ID, nil
}

func (b *Broker) bumpPublished(delivered int64) {
	b.statsMu.Lock()
	b.stats.MessagesPublished++
	b.stats.MessagesDelivered += delivered
	b.statsMu.Unlock()
}

// dispatch runs the callback on its own goroutine, serialised per
// subscription so publish order is preserved, and recovers panics so a
// broken subscriber never affects the publisher or other subscribers.
func (b *Broker) dispatch(sub *subscription, msg types.Message) {
	sub.mu.Lock()
	prev := sub.tail
	done := make(chan struct{})
	sub.tail = done
	sub.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().
					Interface("panic", r).
					Str("subscriber", sub.subscriber).
					Str("topic", msg.Topic).
					Msg("subscriber callback panicked")
			}
		}()
		sub.callback(msg)
	}()
}

func (b *Broker) matchingLocked(topic string) []*subscription {
	var out []*subscription
	for pattern, subs := range b.subsByPattern {
		if !types.GlobMatch(pattern, topic) {
			continue
		}
		out = append(out, subs...)
	}
	return out
}

// PublishOption customises fields of a published Message beyond topic and
// payload.
type PublishOption func(*types.Message)

func WithType(t types.MessageType) PublishOption { return func(m *types.Message) { m.Type = t } }
func WithSender(sender string) PublishOption      { return func(m *types.Message) { m.Sender = sender } }
func WithTTL(ttl time.Duration) PublishOption      { return func(m *types.Message) { m.TTL = ttl } }
func WithCorrelationID(id string) PublishOption {
	return func(m *types.Message) { m.CorrelationID = id }
}
func WithReplyTo(topic string) PublishOption { return func(m *types.Message) { m.ReplyTo = topic } }

// Subscribe registers callback for messages whose topic matches pattern.
// subscriberID need not be unique across calls — a subscriber may hold
// several subscriptions.
func (b *Broker) Subscribe(subscriberID, pattern string, callback Callback, filter Filter) (string, error) {
	if !b.isRunning() {
		return "", fmt.Errorf("subscribe to %q: %w", pattern, types.ErrNotRunning)
	}
	sub := &subscription{
		id:         uuid.NewString(),
		subscriber: subscriberID,
		pattern:    pattern,
		callback:   callback,
		filter:     filter,
		createdAt:  time.Now(),
	}

	b.mu.Lock()
	b.subsByPattern[pattern] = append(b.subsByPattern[pattern], sub)
	b.subsByID[sub.id] = sub
	b.mu.Unlock()

	b.statsMu.Lock()
	b.stats.ActiveSubscriptions++
	b.statsMu.Unlock()

	return sub.id, nil
}

// Unsubscribe removes subscriptions owned by subscriberID. If pattern is
// non-empty only that pattern's subscriptions are removed; otherwise every
// subscription owned by subscriberID is removed. Unsubscribing an unknown
// id is a no-op (spec §8 property 4).
func (b *Broker) Unsubscribe(subscriberID, pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := int64(0)
	for p, subs := range b.subsByPattern {
		if pattern != "" && p != pattern {
			continue
		}
		kept := subs[:0]
		for _, s := range subs {
			if s.subscriber == subscriberID {
				delete(b.subsByID, s.id)
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.subsByPattern, p)
		} else {
			b.subsByPattern[p] = kept
		}
	}

	if removed > 0 {
		b.statsMu.Lock()
		b.stats.ActiveSubscriptions -= removed
		b.statsMu.Unlock()
	}
}

// UnsubscribeID removes a single subscription by its subscription id,
// regardless of owner — used internally by Request to tear down its
// private reply subscription.
func (b *Broker) UnsubscribeID(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subsByID[subID]
	if !ok {
		return
	}
	delete(b.subsByID, subID)
	subs := b.subsByPattern[sub.pattern]
	kept := subs[:0]
	for _, s := range subs {
		if s.id != subID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subsByPattern, sub.pattern)
	} else {
		b.subsByPattern[sub.pattern] = kept
	}
	b.statsMu.Lock()
	b.stats.ActiveSubscriptions--
	b.statsMu.Unlock()
}

// Request publishes a correlated request to topic and blocks until a
// matching response arrives on a private reply subtopic, the timeout
// elapses, or an error response is received.
func (b *Broker) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !b.isRunning() {
		return nil, fmt.Errorf("request to %q: %w", topic, types.ErrNotRunning)
	}

	correlationID := uuid.NewString()
	replyTo := "_reply." + correlationID

	resultCh := make(chan types.Message, 1)
	subID, err := b.Subscribe(correlationID, replyTo, func(m types.Message) {
		if m.CorrelationID != correlationID {
			return
		}
		select {
		case resultCh <- m:
		default:
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	defer b.UnsubscribeID(subID)

	if _, err := b.Publish(topic, payload,
		WithType(types.MessageRequest),
		WithCorrelationID(correlationID),
		WithReplyTo(replyTo),
	); err != nil {
		return nil, err
	}

	b.statsMu.Lock()
	b.stats.RequestResponsePairs++
	b.statsMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-resultCh:
		if m.Type == types.MessageError {
			return nil, fmt.Errorf("request %q failed: %s", topic, string(m.Payload))
		}
		return m.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("request to %q: %w", topic, types.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond publishes a response (or error) correlated with request.
func (b *Broker) Respond(request types.Message, payload any, isError bool) error {
	if request.ReplyTo == "" {
		return fmt.Errorf("request %s has no reply_to", request.ID)
	}
	msgType := types.MessageResponse
	if isError {
		msgType = types.MessageError
	}
	_, err := b.Publish(request.ReplyTo, payload,
		WithType(msgType),
		WithCorrelationID(request.CorrelationID),
	)
	return err
}

// Replay returns history entries matching pattern, optionally constrained
// to messages published at or after `since`, capped at `limit` (0 = no cap).
func (b *Broker) Replay(pattern string, since time.Time, limit int) []types.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Message
	for _, m := range b.history {
		if !since.IsZero() && m.Timestamp.Before(since) {
			continue
		}
		if pattern != "" && !types.GlobMatch(pattern, m.Topic) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of broker counters.
func (b *Broker) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
