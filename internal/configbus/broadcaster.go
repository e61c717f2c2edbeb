// Package configbus fans a single stream of model.ConfigUpdate events out
// to every subscribing actor (spec.md §4.9): the authenticator and each
// config-aware middleware hold their own receiver. Capacity is bounded at
// 16 per subscriber and for the broadcaster's own inbound side; a slow
// subscriber that falls behind misses updates rather than stalling the
// whole gateway, a known, accepted limitation (spec.md §4.9).
package configbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/3xpluto/edgeway/internal/model"
)

const subscriberCapacity = 16

// Source produces the ordered update stream from some backend (file,
// websocket, kv-watch). Implementations must emit ConfigReady exactly
// once after the initial catalog is fully applied.
type Source interface {
	Stream(ctx context.Context) (<-chan model.ConfigUpdate, error)
}

// Broadcaster is the single producer side of the fan-out. Run pumps one
// source's events to every subscriber registered via Subscribe.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan model.ConfigUpdate
	next int
	log  *slog.Logger
}

// New builds an empty Broadcaster.
func New(log *slog.Logger) *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan model.ConfigUpdate), log: log}
}

// Subscribe registers a new receiver and returns it along with a token
// that Unsubscribe accepts to deregister it.
func (b *Broadcaster) Subscribe() (<-chan model.ConfigUpdate, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.ConfigUpdate, subscriberCapacity)
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes and closes a previously registered receiver.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans one event out to every current subscriber. A subscriber
// whose channel is full has the event dropped for it — it will observe a
// gap rather than block every other actor.
func (b *Broadcaster) Publish(u model.ConfigUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			if b.log != nil {
				b.log.Warn("subscriber fell behind on config updates; event dropped",
					slog.Int("subscriber", id), slog.String("kind", string(u.Kind)))
			}
		}
	}
}

// Run reads from src until ctx is cancelled or the source's channel
// closes, publishing every event it sees in order.
func (b *Broadcaster) Run(ctx context.Context, src Source) error {
	stream, err := src.Stream(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-stream:
			if !ok {
				return nil
			}
			b.Publish(u)
		}
	}
}
