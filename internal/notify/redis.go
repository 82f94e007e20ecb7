package notify

import (
	"context"
	"time"

	"github.com/algomatic/strat-service/internal/redisbus"
	"github.com/algomatic/strat-service/internal/types"
)

// Publisher is the subset of redisbus.Bus used to publish signals.
type Publisher interface {
	Publish(ctx context.Context, event *redisbus.Event) error
}

// Bus publishes each signal as a strat_signal event.
type Bus struct {
	pub Publisher
	now func() time.Time
}

// NewBus creates a bus notifier.
func NewBus(pub Publisher) *Bus {
	return &Bus{pub: pub, now: time.Now}
}

// Name implements Notifier.
func (b *Bus) Name() string { return "redis" }

// Notify implements Notifier. The signal ID is the correlation ID.
func (b *Bus) Notify(ctx context.Context, sig types.Signal) error {
	event := redisbus.NewEvent(redisbus.EventSignal, redisbus.SignalPayload(sig), sig.ID, b.now())
	return b.pub.Publish(ctx, event)
}
