package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/types"
)

// NATSBridgeConfig configures the optional outbound mirror to a NATS
// server, adapted from the teacher's pkg/nats Config (same reconnect
// knobs, same connection-event handler wiring).
type NATSBridgeConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration

	// SubjectPrefix is prepended to every mirrored broker topic to form
	// the NATS subject, e.g. "fabric." + "fs.file_created".
	SubjectPrefix string
}

// natsBridgeSender is mirror's view of the thing it mirrors out of — a
// *Broker has exactly this shape.
type natsBridgeSender interface {
	Subscribe(subscriberID, pattern string, cb Callback, filter Filter) (string, error)
	Unsubscribe(subscriberID, pattern string)
	Publish(topic string, payload any, opts ...PublishOption) (string, error)
}

// NATSBridge mirrors selected broker topics onto a NATS subject space for
// external subscribers, and brings inbound NATS messages back onto the
// local broker. It never imports internal/metrics itself; callers that
// want NATS-specific counters can listen to the standard broker Stats.
type NATSBridge struct {
	conn   *nats.Conn
	broker natsBridgeSender
	logger zerolog.Logger
	prefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBridge connects to the configured NATS server and returns a
// bridge ready to mirror topics in either direction.
func NewNATSBridge(cfg NATSBridgeConfig, b natsBridgeSender, logger zerolog.Logger) (*NATSBridge, error) {
	bridge := &NATSBridge{
		broker: b,
		logger: logger.With().Str("component", "nats_bridge").Logger(),
		prefix: cfg.SubjectPrefix,
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			bridge.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			bridge.logger.Warn().Err(err).Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			bridge.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			bridge.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %q: %w", cfg.URL, err)
	}
	bridge.conn = conn
	return bridge, nil
}

// MirrorOut subscribes to each local topic pattern and republishes every
// matching message onto the corresponding NATS subject (the prefix plus
// the message's actual topic, since both use dot-delimited segments). A
// message whose Sender is "nats" is skipped, since it just arrived via
// MirrorIn and re-publishing it would loop it straight back out.
func (nb *NATSBridge) MirrorOut(patterns ...string) error {
	for _, pattern := range patterns {
		if _, err := nb.broker.Subscribe("nats_bridge", pattern, func(msg types.Message) {
			if msg.Sender == "nats" {
				return
			}
			if err := nb.Publish(msg.Topic, msg.Payload); err != nil {
				nb.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("failed to mirror message to nats")
			}
		}, nil); err != nil {
			return fmt.Errorf("mirror out %q: %w", pattern, err)
		}
	}
	return nil
}

// MirrorIn subscribes to a NATS subject and republishes every message it
// receives onto the local broker under localTopic, tagged with a sender
// of "nats" so MirrorOut's own subscription (if it covers localTopic)
// does not loop the message straight back out.
func (nb *NATSBridge) MirrorIn(subject, localTopic string) error {
	sub, err := nb.conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			nb.logger.Warn().Err(err).Str("subject", subject).Msg("discarding malformed nats payload")
			return
		}
		if _, err := nb.broker.Publish(localTopic, payload, WithSender("nats")); err != nil {
			nb.logger.Warn().Err(err).Str("topic", localTopic).Msg("failed to republish nats message locally")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to nats subject %q: %w", subject, err)
	}
	nb.mu.Lock()
	nb.subs[subject] = sub
	nb.mu.Unlock()
	return nil
}

// Publish mirrors a single local broker message onto NATS under
// prefix+topic.
func (nb *NATSBridge) Publish(topic string, payload []byte) error {
	subject := nb.prefix + topic
	if err := nb.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to nats subject %q: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the underlying NATS connection is live.
func (nb *NATSBridge) IsConnected() bool { return nb.conn != nil && nb.conn.IsConnected() }

// Close unsubscribes from everything and closes the NATS connection.
func (nb *NATSBridge) Close() {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.broker != nil {
		nb.broker.Unsubscribe("nats_bridge", "")
	}
	for subject, sub := range nb.subs {
		if err := sub.Unsubscribe(); err != nil {
			nb.logger.Warn().Err(err).Str("subject", subject).Msg("error unsubscribing from nats")
		}
	}
	if nb.conn != nil {
		nb.conn.Close()
	}
}
