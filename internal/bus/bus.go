// Package bus provides the in-process publish/subscribe fabric that
// decouples write endpoints from the realtime dispatcher.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
	"github.com/Parley-Chat/parley/internal/workers"
)

// Handler consumes one published event. Returning an error triggers
// a single redelivery attempt.
type Handler func(ctx context.Context, payload []byte) error

// Bus is an in-process topic bus with at-least-once delivery. Events
// are JSON-encoded at publish time so subscribers never share mutable
// state with publishers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	pool     *workers.Pool
	log      *zap.Logger
	maxRetry int
	closed   bool
}

// New creates a bus backed by a worker pool sized from config.
func New(cfg config.BusConfig) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		pool:     workers.NewPool(cfg.Workers, cfg.BufferSize),
		log:      logger.New("bus"),
		maxRetry: cfg.MaxRedeliver,
	}
}

// Subscribe registers a handler for a topic. Handlers registered for
// the same topic each receive every event.
func (b *Bus) Subscribe(topic string, h func(ctx context.Context, payload []byte) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish encodes the event and enqueues delivery to every subscriber
// of the topic. It never blocks the caller; when the delivery queue is
// full an error is returned and the event is dropped.
func (b *Bus) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "ENCODE_FAILED",
			"failed to encode event for topic "+topic)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New(errors.ErrorTypeInternal, "BUS_CLOSED", "bus is shut down")
	}
	subs := b.handlers[topic]
	b.mu.RUnlock()

	metrics.BusPublished.WithLabelValues(topic).Inc()

	for _, h := range subs {
		h := h
		ok := b.pool.Submit(func() {
			b.deliver(topic, h, payload)
		})
		if !ok {
			b.log.Warn("Delivery queue full, event dropped",
				zap.String("topic", topic))
			return errors.BusPublishError(topic,
				errors.New(errors.ErrorTypeInternal, "QUEUE_FULL", "delivery queue full"))
		}
	}
	return nil
}

// deliver invokes the handler, retrying up to maxRetry times when it
// returns an error.
func (b *Bus) deliver(topic string, h Handler, payload []byte) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= b.maxRetry; attempt++ {
		if attempt > 0 {
			metrics.BusRedelivered.WithLabelValues(topic).Inc()
		}
		if err = h(ctx, payload); err == nil {
			return
		}
	}
	metrics.IncrementErrorCount("bus_delivery")
	b.log.Error("Event delivery failed after retries",
		zap.String("topic", topic),
		zap.Int("attempts", b.maxRetry+1),
		zap.Error(err))
}

// Close stops accepting publishes and drains in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.pool.Stop()
}
