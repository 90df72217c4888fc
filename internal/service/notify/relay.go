package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopic = "coach.turns.completed"

	// DefaultStreamMaxLen caps the redis stream; XADD trims approximately.
	DefaultStreamMaxLen int64 = 10000

	groupDestroyTimeout = 3 * time.Second
	originKey           = "origin"
)

// Relay fans completion signals out to every replica sharing the same
// broker. Local waiters are woken immediately; remote ones when the
// message arrives in their Run loop.
type Relay struct {
	id     string
	local  *Notifier
	pub    message.Publisher
	sub    message.Subscriber
	topic  string
	closer func() error
	ready  chan struct{}
}

var _ Signaler = (*Relay)(nil)

// NewRelay wires a publisher/subscriber pair to a local notifier.
func NewRelay(local *Notifier, pub message.Publisher, sub message.Subscriber, topic string) *Relay {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	return &Relay{
		id:    watermill.NewShortUUID(),
		local: local,
		pub:   pub,
		sub:   sub,
		topic: topic,
		ready: make(chan struct{}),
	}
}

// NewInProcessRelay backs the relay with watermill's gochannel pub/sub.
func NewInProcessRelay(local *Notifier, topic string) *Relay {
	ps := gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(log.Logger))
	r := NewRelay(local, ps, ps, topic)
	r.closer = ps.Close
	return r
}

// RedisSettings configures the redis stream transport. MaxLen <= 0 falls
// back to DefaultStreamMaxLen.
type RedisSettings struct {
	Addr     string
	Stream   string
	Group    string
	Consumer string
	MaxLen   int64
}

// NewRedisRelay builds a relay on redis streams. Every replica uses its own
// consumer group so each one sees every completion; the group is destroyed
// on Close.
func NewRedisRelay(ctx context.Context, s RedisSettings, local *Notifier) (*Relay, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("notify relay: redis addr is empty")
	}
	if s.Stream == "" {
		s.Stream = DefaultTopic
	}
	if s.Consumer == "" {
		s.Consumer = watermill.NewShortUUID()
	}
	group := s.Consumer
	if s.Group != "" {
		group = s.Group + ":" + s.Consumer
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := ensureGroupAtTail(ctx, client, s.Stream, group); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger := NewWatermillLogger(log.Logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(publisherConfig(client, marshaler, s.MaxLen), logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "notify relay: publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "notify relay: subscriber")
	}

	r := NewRelay(local, pub, sub, s.Stream)
	r.closer = redisCloser(sub, pub, client, s.Stream, group)
	return r, nil
}

func publisherConfig(client redis.UniversalClient, m rstream.Marshaller, maxLen int64) rstream.PublisherConfig {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return rstream.PublisherConfig{
		Client:        client,
		Marshaller:    m,
		DefaultMaxlen: maxLen,
	}
}

type groupClient interface {
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	Close() error
}

// redisCloser stops consuming before dropping the replica's group, then
// closes the client. A failed destroy only leaks the group, so it is logged.
func redisCloser(sub message.Subscriber, pub message.Publisher, client groupClient, stream, group string) func() error {
	return func() error {
		_ = sub.Close()
		_ = pub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), groupDestroyTimeout)
		defer cancel()
		if err := client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
			log.Warn().Err(err).Str("component", "notify.relay").Str("group", group).Msg("destroy consumer group failed")
		}
		return client.Close()
	}
}

// ensureGroupAtTail creates the consumer group at $ so a new replica does
// not replay old completions.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "notify relay: create group")
	}
	return nil
}

// isBusyGroup reports whether redis answered that the group already exists.
// go-redis exposes server replies only as redis.Error, and a reply starts
// with its error code word, so the prefix is the stable part to match.
func isBusyGroup(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "BUSYGROUP")
}

// Notify wakes local waiters and publishes the signal for other replicas.
func (r *Relay) Notify(turnID int64) {
	r.local.Notify(turnID)

	msg := message.NewMessage(watermill.NewUUID(), []byte(strconv.FormatInt(turnID, 10)))
	msg.Metadata.Set("turn_id", strconv.FormatInt(turnID, 10))
	msg.Metadata.Set(originKey, r.id)
	if err := r.pub.Publish(r.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "notify.relay").Int64("turn_id", turnID).Msg("publish completion failed")
	}
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes completion signals until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	messages, err := r.sub.Subscribe(ctx, r.topic)
	if err != nil {
		return errors.Wrap(err, "notify relay: subscribe")
	}
	close(r.ready)
	log.Info().Str("component", "notify.relay").Str("topic", r.topic).Msg("completion relay started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if turnID, ok := r.remoteTurn(msg); ok {
				r.local.Notify(turnID)
			}
			msg.Ack()
		}
	}
}

// remoteTurn returns the turn id carried by msg. Messages this relay
// published itself are skipped: Notify already woke the local waiters.
func (r *Relay) remoteTurn(msg *message.Message) (int64, bool) {
	if msg.Metadata.Get(originKey) == r.id {
		return 0, false
	}
	turnID, err := strconv.ParseInt(string(msg.Payload), 10, 64)
	if err != nil {
		log.Warn().Err(err).Str("component", "notify.relay").Msg("drop malformed completion")
		return 0, false
	}
	return turnID, true
}

// Close releases the transport.
func (r *Relay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
