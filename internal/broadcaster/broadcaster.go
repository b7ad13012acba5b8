// Package broadcaster implements the event broadcaster (spec §4.C): client
// interest tracking, priority-queued fan-out with delivery modes, bounded
// history, and per-client replay cursors.
package broadcaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// ClientInfo is the minimal identity the broadcaster needs about a
// connected client to evaluate delivery filters. Kind and Permissions are
// supplied by the collaborator that tracks connections (connmgr); the
// broadcaster itself owns no connection state (Design Notes: "the
// broadcaster holds non-owning handles to clients via client_id").
type ClientInfo struct {
	ClientID    string
	Kind        string
	Permissions map[string]bool
	Send        func(types.Message) error
}

// Config tunes history size and per-delivery timeout.
type Config struct {
	HistorySize     int
	DeliveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{HistorySize: 1000, DeliveryTimeout: 5 * time.Second}
}

// Broadcaster fans messages out to clients registered via
// RegisterConnectedClient, using the interests added by
// RegisterClientInterest for filtered delivery. It subscribes to
// connection.* on the broker, but the set of existing clients is changed
// only by RegisterConnectedClient/RemoveConnectedClient.
type Broadcaster struct {
	logger zerolog.Logger
	broker *broker.Broker
	cfg    Config

	mu         sync.Mutex
	clients    map[string]*ClientInfo
	interests  map[string][]types.ClientInterest
	history    []types.BroadcastEvent
	cursors    map[string]int
	failures   map[string]int

	queues map[types.Priority]chan types.BroadcastEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Broadcaster against b. Call Start to subscribe to
// connection.* and launch the per-priority workers and cleanup loop.
func New(logger zerolog.Logger, b *broker.Broker, cfg Config) *Broadcaster {
	bc := &Broadcaster{
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		broker:    b,
		cfg:       cfg,
		clients:   make(map[string]*ClientInfo),
		interests: make(map[string][]types.ClientInterest),
		cursors:   make(map[string]int),
		failures:  make(map[string]int),
		queues:    make(map[types.Priority]chan types.BroadcastEvent),
	}
	for _, p := range types.Priorities {
		bc.queues[p] = make(chan types.BroadcastEvent, 256)
	}
	return bc
}

// RegisterConnectedClient tracks a client that now exists, so broadcast
// delivery mode can reach it. Call on connection.established.
func (bc *Broadcaster) RegisterConnectedClient(info ClientInfo) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.clients[info.ClientID] = &info
}

// RemoveConnectedClient drops a client that disconnected.
func (bc *Broadcaster) RemoveConnectedClient(clientID string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.clients, clientID)
}

func (bc *Broadcaster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	bc.cancel = cancel

	if bc.broker != nil {
		if _, err := bc.broker.Subscribe("broadcaster", "connection.*", bc.handleConnectionEvent, nil); err != nil {
			bc.logger.Error().Err(err).Msg("failed to subscribe to connection.* events")
		}
	}

	for _, p := range types.Priorities {
		bc.wg.Add(1)
		go bc.workerLoop(runCtx, p)
	}
	bc.wg.Add(1)
	go bc.cleanupLoop(runCtx)
}

func (bc *Broadcaster) Stop() {
	if bc.cancel != nil {
		bc.cancel()
	}
	bc.wg.Wait()
}

func (bc *Broadcaster) handleConnectionEvent(types.Message) {
	// Connection lifecycle bookkeeping is driven explicitly via
	// RegisterConnectedClient/RemoveConnectedClient by the wiring layer,
	// which has the richer ClientInfo (kind, permissions) the connmgr
	// payload alone does not carry end to end. This handler exists so the
	// subscription matches spec §4.C ("subscribes to connection.* on the
	// broker to track which clients exist").
}

// RegisterClientInterest adds an interest for delivery-mode "filtered".
func (bc *Broadcaster) RegisterClientInterest(clientID string, topicPatterns []string, eventTypes []string, metadata map[string]any) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	et := make(map[string]bool, len(eventTypes))
	for _, e := range eventTypes {
		et[e] = true
	}
	now := time.Now()
	bc.interests[clientID] = append(bc.interests[clientID], types.ClientInterest{
		ClientID:      clientID,
		TopicPatterns: topicPatterns,
		EventTypes:    et,
		Metadata:      metadata,
		CreatedAt:     now,
		LastUpdated:   now,
	})
}

// UnregisterClientInterest removes all interests held by clientID.
func (bc *Broadcaster) UnregisterClientInterest(clientID string) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.interests, clientID)
}

// BroadcastEvent enqueues an event for asynchronous delivery on its
// priority's worker and returns the generated event id.
func (bc *Broadcaster) BroadcastEvent(msg types.Message, mode types.DeliveryMode, priority types.Priority, targets []string, filter *types.DeliveryFilter) (string, error) {
	evt := types.BroadcastEvent{
		EventID:       uuid.NewString(),
		Message:       msg,
		Priority:      priority,
		DeliveryMode:  mode,
		Filter:        filter,
		TargetClients: targets,
		CreatedAt:     time.Now(),
	}
	q, ok := bc.queues[priority]
	if !ok {
		return "", fmt.Errorf("unknown priority %q", priority)
	}
	select {
	case q <- evt:
	default:
		bc.logger.Warn().Str("priority", string(priority)).Msg("priority queue full, blocking until the worker frees a slot")
		q <- evt
	}
	return evt.EventID, nil
}

func (bc *Broadcaster) workerLoop(ctx context.Context, priority types.Priority) {
	defer bc.wg.Done()
	q := bc.queues[priority]
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-q:
			bc.deliver(ctx, evt)
		}
	}
}

func (bc *Broadcaster) deliver(ctx context.Context, evt types.BroadcastEvent) {
	targets := bc.resolveTargets(evt)

	deliverCtx, cancel := context.WithTimeout(ctx, bc.cfg.DeliveryTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, clientID := range targets {
		bc.mu.Lock()
		info, ok := bc.clients[clientID]
		bc.mu.Unlock()
		if !ok || info.Send == nil {
			mu.Lock()
			evt.FailedClients = append(evt.FailedClients, clientID)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(clientID string, info *ClientInfo) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- info.Send(evt.Message) }()
			select {
			case err := <-done:
				mu.Lock()
				if err != nil {
					evt.FailedClients = append(evt.FailedClients, clientID)
				} else {
					evt.DeliveredTo = append(evt.DeliveredTo, clientID)
				}
				mu.Unlock()
			case <-deliverCtx.Done():
				mu.Lock()
				evt.FailedClients = append(evt.FailedClients, clientID)
				mu.Unlock()
			}
		}(clientID, info)
	}
	wg.Wait()

	if len(evt.FailedClients) > 0 {
		bc.mu.Lock()
		for _, c := range evt.FailedClients {
			bc.failures[c]++
		}
		bc.mu.Unlock()
	}

	bc.mu.Lock()
	bc.history = append(bc.history, evt)
	if len(bc.history) > bc.cfg.HistorySize {
		bc.history = bc.history[len(bc.history)-bc.cfg.HistorySize:]
	}
	bc.mu.Unlock()
}

// resolveTargets computes the client id set for an event per its delivery
// mode (spec §4.C delivery modes).
func (bc *Broadcaster) resolveTargets(evt types.BroadcastEvent) []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	switch evt.DeliveryMode {
	case types.DeliveryUnicast:
		if len(evt.TargetClients) == 0 {
			return nil
		}
		return evt.TargetClients[:1]
	case types.DeliveryTargeted:
		return evt.TargetClients
	case types.DeliveryBroadcast:
		out := make([]string, 0, len(bc.clients))
		for id := range bc.clients {
			out = append(out, id)
		}
		return out
	case types.DeliveryFiltered:
		var out []string
		for id, info := range bc.clients {
			interests := bc.interests[id]
			anyInterestMatches := false
			var matched types.ClientInterest
			for _, in := range interests {
				if in.Matches(evt.Message.Topic, string(evt.Message.Type)) {
					anyInterestMatches = true
					matched = in
					break
				}
			}
			if !anyInterestMatches {
				continue
			}
			if evt.Filter != nil && !evt.Filter.Allows(id, info.Kind, info.Permissions, matched, evt.Message.Topic) {
				continue
			}
			out = append(out, id)
		}
		return out
	default:
		return nil
	}
}

// ReplayEvents walks the client's cursor forward through history (or from
// fromCursor if provided), re-checking current filters/interests, and
// delivers events that still apply. Returns the count delivered.
func (bc *Broadcaster) ReplayEvents(clientID string, fromCursor int, max int) int {
	bc.mu.Lock()
	info, ok := bc.clients[clientID]
	if !ok {
		bc.mu.Unlock()
		return 0
	}
	start := fromCursor
	if start < 0 {
		start = bc.cursors[clientID]
	}
	history := append([]types.BroadcastEvent(nil), bc.history...)
	interests := append([]types.ClientInterest(nil), bc.interests[clientID]...)
	bc.mu.Unlock()

	delivered := 0
	idx := start
	for ; idx < len(history) && delivered < max; idx++ {
		evt := history[idx]
		matched := false
		var matchedInterest types.ClientInterest
		for _, in := range interests {
			if in.Matches(evt.Message.Topic, string(evt.Message.Type)) {
				matched = true
				matchedInterest = in
				break
			}
		}
		if !matched {
			continue
		}
		if evt.Filter != nil && !evt.Filter.Allows(clientID, info.Kind, info.Permissions, matchedInterest, evt.Message.Topic) {
			continue
		}
		if info.Send != nil {
			if err := info.Send(evt.Message); err == nil {
				delivered++
			}
		}
	}

	bc.mu.Lock()
	bc.cursors[clientID] = idx
	bc.mu.Unlock()

	return delivered
}

// cleanupLoop prunes interests older than an hour and cursors for clients
// no longer connected, every 60s (spec §4.C cleanup).
func (bc *Broadcaster) cleanupLoop(ctx context.Context) {
	defer bc.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bc.cleanup()
		}
	}
}

func (bc *Broadcaster) cleanup() {
	cutoff := time.Now().Add(-time.Hour)
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for clientID, list := range bc.interests {
		kept := list[:0]
		for _, in := range list {
			if in.LastUpdated.After(cutoff) {
				kept = append(kept, in)
			}
		}
		if len(kept) == 0 {
			delete(bc.interests, clientID)
		} else {
			bc.interests[clientID] = kept
		}
	}

	for clientID := range bc.cursors {
		if _, connected := bc.clients[clientID]; !connected {
			delete(bc.cursors, clientID)
		}
	}
}
