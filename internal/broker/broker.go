// ============================================================================
// taskgate Lane Broker - contract
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: One lane per priority. Publishers append dispatch messages to a
//          lane; consumers drain lanes in Lanes() order.
//
// Delivery is at-least-once: a message that is fetched but never acked is
// eventually delivered again (Redis XAUTOCLAIM, AMQP requeue on disconnect).
// Nothing here deduplicates; workers rely on the store's compare-and-
// transition to discard duplicates.
//
// ============================================================================

package broker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/taskgate/pkg/types"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Publisher appends messages to lanes.
type Publisher interface {
	Publish(ctx context.Context, lane types.Priority, msg types.DispatchMessage) error
}

// Consumer fetches messages, highest non-empty lane first.
//
// Fetch returns at most max deliveries. It may block for a bounded time
// when every lane is empty and then returns an empty slice, not an error.
type Consumer interface {
	Fetch(ctx context.Context, max int) ([]Delivery, error)
}

// Broker is a full lane implementation.
type Broker interface {
	Publisher
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

// DepthReporter is implemented by brokers that can count waiting messages.
type DepthReporter interface {
	Depths(ctx context.Context) (map[types.Priority]int64, error)
}

// Delivery is one fetched message.
type Delivery struct {
	Lane    types.Priority
	Message types.DispatchMessage
	ack     func(ctx context.Context) error
}

// NewDelivery is used by implementations to bind an ack callback.
func NewDelivery(lane types.Priority, msg types.DispatchMessage, ack func(ctx context.Context) error) Delivery {
	return Delivery{Lane: lane, Message: msg, ack: ack}
}

// Ack confirms processing; the message will not be delivered again.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}
