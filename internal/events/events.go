package events

import "context"

// Channels
const (
	ChannelPayments = "events:payments"
	ChannelDevices  = "events:devices"
)

// Event types
const (
	EventPaymentActuated   = "payment_actuated"
	EventPaymentUnactuated = "payment_unactuated"
	EventDeviceOnline      = "device_online"
	EventDeviceOffline     = "device_offline"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(Event)) error
}

// Nop drops every event. Used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, channel string, event Event) error { return nil }

func (Nop) Subscribe(ctx context.Context, channel string, handler func(Event)) error { return nil }
