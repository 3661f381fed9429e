// Package wmbroker implements lanes on watermill pub/sub.
//
// Each lane is the topic {prefix}.tasks.{lane}. The memory driver uses the
// gochannel pub/sub in persistent mode (standalone deployments and tests);
// the amqp driver uses durable RabbitMQ queues.
//
// A watermill subscription hands out the next message only after the current
// one is acked, so a lane holds at most Consumers unacked messages per
// process. gochannel fans out to every subscriber, so the memory driver always
// runs a single subscription per lane.
package wmbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/logging"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	DriverMemory = "memory"
	DriverAMQP   = "amqp"
)

// Config selects the transport.
type Config struct {
	Driver  string
	AMQPURL string
	Prefix  string
	// Consumers is the number of subscriptions per lane (amqp only).
	Consumers int
	// Block bounds the wait when every lane is empty; 0 disables the wait.
	Block time.Duration
}

// Broker publishes and consumes lane messages through watermill.
type Broker struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lanes     map[types.Priority]chan *message.Message
	subCancel context.CancelFunc
	closed    bool
}

var _ broker.Broker = (*Broker)(nil)

// New builds the broker for cfg.Driver.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "taskgate"
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	wmLogger := logging.NewWatermill(logger.Named("watermill"))

	b := &Broker{cfg: cfg, logger: logger.Named("wmbroker")}
	switch cfg.Driver {
	case "", DriverMemory:
		b.cfg.Consumers = 1
		ch := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, wmLogger)
		b.pub, b.sub, b.closer = ch, ch, ch.Close
	case DriverAMQP:
		pub, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(cfg.AMQPURL), wmLogger)
		if err != nil {
			return nil, fmt.Errorf("wmbroker: amqp publisher: %w", err)
		}
		sub, err := amqp.NewSubscriber(amqp.NewDurableQueueConfig(cfg.AMQPURL), wmLogger)
		if err != nil {
			pub.Close()
			return nil, fmt.Errorf("wmbroker: amqp subscriber: %w", err)
		}
		b.pub, b.sub = pub, sub
		b.closer = func() error {
			perr := pub.Close()
			if serr := sub.Close(); serr != nil {
				return serr
			}
			return perr
		}
	default:
		return nil, fmt.Errorf("wmbroker: unknown driver %q", cfg.Driver)
	}
	return b, nil
}

// Topic returns the topic of a lane.
func (b *Broker) Topic(lane types.Priority) string {
	return b.cfg.Prefix + ".tasks." + string(lane)
}

// Publish sends msg on the lane topic.
func (b *Broker) Publish(ctx context.Context, lane types.Priority, msg types.DispatchMessage) error {
	if !lane.Valid() {
		return fmt.Errorf("wmbroker: unknown lane %q", lane)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wmbroker: marshal: %w", err)
	}
	m := message.NewMessage(watermill.NewUUID(), payload)
	m.Metadata.Set("job_id", msg.ID)
	m.Metadata.Set("lane", string(lane))
	m.SetContext(ctx)

	if err := b.pub.Publish(b.Topic(lane), m); err != nil {
		return fmt.Errorf("wmbroker: publish %s: %w", b.Topic(lane), err)
	}
	return nil
}

// subscribe starts the lane subscriptions on first use.
func (b *Broker) subscribe() (map[types.Priority]chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.lanes != nil {
		return b.lanes, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	lanes := make(map[types.Priority]chan *message.Message, len(types.Lanes()))
	for _, lane := range types.Lanes() {
		out := make(chan *message.Message)
		for i := 0; i < b.cfg.Consumers; i++ {
			in, err := b.sub.Subscribe(ctx, b.Topic(lane))
			if err != nil {
				cancel()
				return nil, fmt.Errorf("wmbroker: subscribe %s: %w", b.Topic(lane), err)
			}
			go forward(ctx, in, out)
		}
		lanes[lane] = out
	}
	b.lanes, b.subCancel = lanes, cancel
	return lanes, nil
}

func forward(ctx context.Context, in <-chan *message.Message, out chan<- *message.Message) {
	for m := range in {
		select {
		case out <- m:
		case <-ctx.Done():
			m.Nack()
			return
		}
	}
}

// Fetch returns up to max deliveries, highest lane first.
func (b *Broker) Fetch(ctx context.Context, max int) ([]broker.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	lanes, err := b.subscribe()
	if err != nil {
		return nil, err
	}

	var out []broker.Delivery
	for _, lane := range types.Lanes() {
	drain:
		for len(out) < max {
			select {
			case m := <-lanes[lane]:
				if d, ok := b.delivery(lane, m); ok {
					out = append(out, d)
				}
			default:
				break drain
			}
		}
	}
	if len(out) > 0 || b.cfg.Block <= 0 {
		return out, nil
	}

	timer := time.NewTimer(b.cfg.Block)
	defer timer.Stop()

	var (
		m    *message.Message
		lane types.Priority
	)
	select {
	case m = <-lanes[types.PriorityHigh]:
		lane = types.PriorityHigh
	case m = <-lanes[types.PriorityNormal]:
		lane = types.PriorityNormal
	case m = <-lanes[types.PriorityLow]:
		lane = types.PriorityLow
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
	if d, ok := b.delivery(lane, m); ok {
		out = append(out, d)
	}
	return out, nil
}

func (b *Broker) delivery(lane types.Priority, m *message.Message) (broker.Delivery, bool) {
	var msg types.DispatchMessage
	if err := json.Unmarshal(m.Payload, &msg); err != nil || msg.ID == "" {
		b.logger.Warn("dropping malformed message",
			zap.String("topic", b.Topic(lane)), zap.String("message_uuid", m.UUID), zap.Error(err))
		m.Ack()
		return broker.Delivery{}, false
	}
	return broker.NewDelivery(lane, msg, func(context.Context) error {
		m.Ack()
		return nil
	}), true
}

// Ping reports the transport connection state.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if c, ok := b.pub.(interface{ IsConnected() bool }); ok && !c.IsConnected() {
		return fmt.Errorf("wmbroker: %s not connected", b.cfg.Driver)
	}
	return nil
}

// Close stops the subscriptions and closes the transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.subCancel != nil {
		b.subCancel()
	}
	b.mu.Unlock()
	return b.closer()
}
