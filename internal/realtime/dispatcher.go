package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// Dispatcher routes domain events from the bus to the right registries
// and call relay slots. It is the only component that knows which
// stream a topic feeds.
type Dispatcher struct {
	messages      *Registry
	presence      *Registry
	notifications *Registry
	calls         *CallRelay
	log           *zap.Logger
}

// NewDispatcher builds the registries and wires itself onto the bus.
func NewDispatcher(b domain.Bus) *Dispatcher {
	d := &Dispatcher{
		messages:      NewRegistry("messages"),
		presence:      NewRegistry("presence"),
		notifications: NewRegistry("notifications"),
		calls:         NewCallRelay(),
		log:           logger.New("dispatcher"),
	}

	b.Subscribe(domain.TopicNewMessage, d.onNewMessage)
	b.Subscribe(domain.TopicPresence, d.onPresence)
	b.Subscribe(domain.TopicNotification, d.onNotification)
	b.Subscribe(domain.TopicCallSignal, d.onCallSignal)

	return d
}

// Messages returns the chat-message registry, keyed by chat ID.
func (d *Dispatcher) Messages() *Registry { return d.messages }

// Presence returns the presence registry, keyed by chat ID.
func (d *Dispatcher) Presence() *Registry { return d.presence }

// Notifications returns the notification registry, keyed by user ID.
func (d *Dispatcher) Notifications() *Registry { return d.notifications }

// Calls returns the per-user call relay.
func (d *Dispatcher) Calls() *CallRelay { return d.calls }

func (d *Dispatcher) onNewMessage(ctx context.Context, payload []byte) error {
	var ev domain.NewMessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.log.Warn("Dropping malformed message event", zap.Error(err))
		return nil // malformed payloads are not redeliverable
	}
	d.DispatchMessage(ev)
	return nil
}

func (d *Dispatcher) onPresence(ctx context.Context, payload []byte) error {
	var ev domain.PresenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.log.Warn("Dropping malformed presence event", zap.Error(err))
		return nil
	}
	d.DispatchPresence(ev)
	return nil
}

func (d *Dispatcher) onNotification(ctx context.Context, payload []byte) error {
	var ev domain.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.log.Warn("Dropping malformed notification event", zap.Error(err))
		return nil
	}
	d.DispatchNotification(ev)
	return nil
}

func (d *Dispatcher) onCallSignal(ctx context.Context, payload []byte) error {
	var ev domain.CallSignalEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.log.Warn("Dropping malformed call signal event", zap.Error(err))
		return nil
	}
	d.DispatchCallSignal(ev)
	return nil
}

// DispatchMessage fans a chat message out to the chat's subscribers.
// Clients deduplicate by message ID, so delivering the same event twice
// is harmless.
func (d *Dispatcher) DispatchMessage(ev domain.NewMessageEvent) {
	payload, err := json.Marshal(ev.Message)
	if err != nil {
		d.log.Error("Failed to encode message for fan-out", zap.Error(err))
		return
	}
	n := d.messages.FanOut(ev.ChatID, payload)
	d.log.Debug("Fanned out chat message",
		zap.String("chat_id", ev.ChatID),
		zap.String("message_id", ev.Message.ID),
		zap.Int("delivered", n))
}

// DispatchPresence fans a typing/online change out to the chat's
// presence subscribers.
func (d *Dispatcher) DispatchPresence(ev domain.PresenceEvent) {
	payload, err := json.Marshal(ev.Presence)
	if err != nil {
		d.log.Error("Failed to encode presence for fan-out", zap.Error(err))
		return
	}
	d.presence.FanOut(ev.ChatID, payload)
}

// DispatchNotification delivers a notification to every connection the
// target user holds on the notification stream.
func (d *Dispatcher) DispatchNotification(ev domain.NotificationEvent) {
	payload, err := json.Marshal(ev.Notification)
	if err != nil {
		d.log.Error("Failed to encode notification for fan-out", zap.Error(err))
		return
	}
	d.notifications.FanOut(ev.UserID, payload)
}

// DispatchCallSignal relays a call signal to the target user's slot.
// Returns false when the user is not connected; callers decide whether
// that means "missed call" or simply nothing.
func (d *Dispatcher) DispatchCallSignal(ev domain.CallSignalEvent) bool {
	payload, err := json.Marshal(ev.Signal)
	if err != nil {
		d.log.Error("Failed to encode call signal", zap.Error(err))
		return false
	}
	ok := d.calls.Send(ev.ToUserID, payload)
	metrics.CallSignals.WithLabelValues(string(ev.Signal.SignalType)).Inc()
	d.log.Debug("Relayed call signal",
		zap.String("to_user_id", ev.ToUserID),
		zap.String("call_id", ev.Signal.CallID),
		zap.String("signal_type", string(ev.Signal.SignalType)),
		zap.Bool("delivered", ok))
	return ok
}
