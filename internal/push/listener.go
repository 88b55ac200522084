package push

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"agentboard/internal/model"
)

// Apply folds one decoded board event into local state.
type Apply func(event model.BoardEvent)

type ListenerOptions struct {
	Client   redis.UniversalClient
	Stream   string
	Group    string
	Consumer string
	Broker   *Broker
	Apply    Apply
	Logger   *log.Logger
}

func normalizeListenerOptions(opts ListenerOptions) ListenerOptions {
	if opts.Stream == "" {
		opts.Stream = "agentboard.events"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return opts
}

// Listener consumes the control plane's Redis stream of board change
// notifications, applies each event locally, and republishes it on
// the in-process broker. Connected() feeds the reconciler's fallback
// timer: while false, the reconciler polls faster.
type Listener struct {
	opts       ListenerOptions
	subscriber *redisstream.Subscriber
	connected  atomic.Bool

	mu       sync.Mutex
	received int64
	lastAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	opts = normalizeListenerOptions(opts)
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        opts.Client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: opts.Group,
		Consumer:      opts.Consumer,
	}, watermill.NewStdLoggerWithOut(opts.Logger.Writer(), false, false))
	if err != nil {
		return nil, errors.Wrap(err, "push: create subscriber")
	}
	return &Listener{opts: opts, subscriber: subscriber}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	messages, err := l.subscriber.Subscribe(ctx, l.opts.Stream)
	if err != nil {
		cancel()
		return errors.Wrap(err, "push: subscribe")
	}
	l.cancel = cancel
	l.done = make(chan struct{})
	l.connected.Store(true)
	go l.pump(messages)
	return nil
}

func (l *Listener) pump(messages <-chan *message.Message) {
	defer close(l.done)
	defer l.connected.Store(false)
	for msg := range messages {
		event, err := decodeEvent(msg.Payload)
		if err != nil {
			l.opts.Logger.Printf("push: drop undecodable event: %v", err)
			msg.Ack()
			continue
		}
		event.ReceivedAt = time.Now().UTC()
		l.mu.Lock()
		l.received++
		l.lastAt = event.ReceivedAt
		l.mu.Unlock()
		if l.opts.Apply != nil {
			l.opts.Apply(event)
		}
		if l.opts.Broker != nil {
			l.opts.Broker.Publish(event)
		}
		msg.Ack()
	}
}

// Connected reports whether the stream subscription is live.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

func (l *Listener) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	err := l.subscriber.Close()
	if l.done != nil {
		<-l.done
	}
	return err
}

// ListenerSnapshot reports push channel health for diagnostics.
type ListenerSnapshot struct {
	Connected   bool      `json:"connected"`
	Received    int64     `json:"received"`
	LastEventAt time.Time `json:"last_event_at"`
}

func (l *Listener) Snapshot() ListenerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ListenerSnapshot{
		Connected:   l.connected.Load(),
		Received:    l.received,
		LastEventAt: l.lastAt,
	}
}

func decodeEvent(payload []byte) (model.BoardEvent, error) {
	var event model.BoardEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return model.BoardEvent{}, err
	}
	return event, nil
}

// Publisher writes board events onto the stream. The control plane is
// the normal producer; this local publisher backs the CLI watch test
// path and integration tests.
type Publisher struct {
	publisher *redisstream.Publisher
	stream    string
}

func NewPublisher(client redis.UniversalClient, stream string) (*Publisher, error) {
	if stream == "" {
		stream = "agentboard.events"
	}
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, watermill.NopLogger{})
	if err != nil {
		return nil, errors.Wrap(err, "push: create publisher")
	}
	return &Publisher{publisher: publisher, stream: stream}, nil
}

func (p *Publisher) Publish(event model.BoardEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "push: encode event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	return errors.Wrap(p.publisher.Publish(p.stream, msg), "push: publish")
}

func (p *Publisher) Close() error {
	return p.publisher.Close()
}
