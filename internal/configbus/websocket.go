package configbus

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/3xpluto/edgeway/internal/model"
)

// WebSocketSource connects to a config-feed websocket endpoint and
// deserializes each text frame as a ConfigUpdate (spec.md §4.9). On
// disconnect it sleeps a random 10-100s before reconnecting, exactly as
// specified, and emits ConfigReady once, when the first connection is
// established (the spec notes the source system is inconsistent about
// this; every backend here emits it).
type WebSocketSource struct {
	URL string
	Log *slog.Logger

	readySent bool
}

func (w *WebSocketSource) Stream(ctx context.Context) (<-chan model.ConfigUpdate, error) {
	out := make(chan model.ConfigUpdate, subscriberCapacity)
	go w.run(ctx, out)
	return out, nil
}

func (w *WebSocketSource) run(ctx context.Context, out chan<- model.ConfigUpdate) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.connectAndRead(ctx, out); err != nil {
			if w.Log != nil {
				w.Log.Warn("config websocket disconnected", slog.String("error", err.Error()))
			}
		}
		if ctx.Err() != nil {
			return
		}

		wait := time.Duration(10+rand.Intn(91)) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *WebSocketSource) connectAndRead(ctx context.Context, out chan<- model.ConfigUpdate) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !w.readySent {
		select {
		case out <- model.ConfigUpdate{Kind: model.UpdateConfigReady, Ready: true}:
			w.readySent = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		u, err := decodeWireUpdate(msg)
		if err != nil {
			if w.Log != nil {
				w.Log.Warn("dropping unparseable config frame", slog.String("error", err.Error()))
			}
			continue
		}

		select {
		case out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
