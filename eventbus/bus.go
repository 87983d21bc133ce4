package eventbus

import (
	"sync"

	"github.com/luma-run/proxyfleet/ports"
)

// Bus is an in-process, fan-out EventBus. It is the generalization of
// tomyedwab-yesterday's database.Database.PublishEventCB single-callback
// field into a guarded slice of subscribers, since proxyfleet needs more
// than one listener (the scaler, the DNS bridge, audit/metrics bridges) on
// the same stream.
type Bus struct {
	source string

	mu   sync.RWMutex
	subs []func(ports.Event)
}

// New creates a Bus that tags every event it publishes with source, so
// subscribers fed by more than one Bus instance (e.g. across a bridge) can
// recognize and drop echoes of their own publications.
func New(source string) *Bus {
	return &Bus{source: source}
}

func (b *Bus) Subscribe(fn func(ports.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(e ports.Event) {
	tagged := e.WithSource(b.source)

	b.mu.RLock()
	subs := make([]func(ports.Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(tagged)
	}
}
