package configbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/3xpluto/edgeway/internal/model"
)

// EtcdSource implements the kv-watch backend of spec.md §4.9: a range-get
// over a prefix populates the initial catalog, then a Watch from the
// observed revision streams further changes. Keys are namespaced
// "<prefix>services/<id>" and "<prefix>clients/<id>"; values are JSON.
type EtcdSource struct {
	Endpoints []string
	Prefix    string
	Log       *slog.Logger

	client *clientv3.Client
}

func (e *EtcdSource) Stream(ctx context.Context) (<-chan model.ConfigUpdate, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   e.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	e.client = cli

	out := make(chan model.ConfigUpdate, subscriberCapacity)
	go e.run(ctx, out)
	return out, nil
}

func (e *EtcdSource) run(ctx context.Context, out chan<- model.ConfigUpdate) {
	defer close(out)
	defer e.client.Close()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; the gateway keeps serving its last-known config

	readySent := false
	for {
		if ctx.Err() != nil {
			return
		}
		rev, err := e.loadInitial(ctx, out)
		if err != nil {
			if e.Log != nil {
				e.Log.Warn("etcd initial load failed", slog.String("error", err.Error()))
			}
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if !readySent {
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateConfigReady, Ready: true}) {
				return
			}
			readySent = true
		}

		if err := e.watch(ctx, out, rev+1); err != nil {
			if e.Log != nil {
				e.Log.Warn("etcd watch ended", slog.String("error", err.Error()))
			}
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *EtcdSource) loadInitial(ctx context.Context, out chan<- model.ConfigUpdate) (int64, error) {
	resp, err := e.client.Get(ctx, e.Prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	// Services first, then clients — matches the ordering guarantee of
	// spec.md §4.9 so rate-limit SLA templates exist before client lookups.
	var clientKVs []*clientv3mKV
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		switch {
		case strings.HasPrefix(key, e.Prefix+"services/"):
			var svc model.ServiceInfo
			if err := json.Unmarshal(kv.Value, &svc); err != nil {
				continue
			}
			s := svc
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateService, Service: &s}) {
				return 0, ctx.Err()
			}
		case strings.HasPrefix(key, e.Prefix+"clients/"):
			clientKVs = append(clientKVs, &clientv3mKV{key: key, value: kv.Value})
		}
	}
	for _, kv := range clientKVs {
		var c model.ClientInfo
		if err := json.Unmarshal(kv.value, &c); err != nil {
			continue
		}
		c2 := c
		if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateClient, Client: &c2}) {
			return 0, ctx.Err()
		}
	}

	return resp.Header.Revision, nil
}

// clientv3mKV avoids importing mvccpb just to carry two fields around.
type clientv3mKV struct {
	key   string
	value []byte
}

func (e *EtcdSource) watch(ctx context.Context, out chan<- model.ConfigUpdate, fromRev int64) error {
	wch := e.client.Watch(ctx, e.Prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			u, ok := e.translate(ev)
			if !ok {
				continue
			}
			if !send(ctx, out, u) {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (e *EtcdSource) translate(ev *clientv3.Event) (model.ConfigUpdate, bool) {
	key := string(ev.Kv.Key)
	isService := strings.HasPrefix(key, e.Prefix+"services/")
	isClient := strings.HasPrefix(key, e.Prefix+"clients/")
	if !isService && !isClient {
		return model.ConfigUpdate{}, false
	}

	if ev.Type == clientv3.EventTypeDelete {
		if isService {
			id := strings.TrimPrefix(key, e.Prefix+"services/")
			return model.ConfigUpdate{Kind: model.UpdateServiceRemove, ServiceID: id}, true
		}
		id := strings.TrimPrefix(key, e.Prefix+"clients/")
		return model.ConfigUpdate{Kind: model.UpdateClientRemove, ClientID: id}, true
	}

	if isService {
		var svc model.ServiceInfo
		if err := json.Unmarshal(ev.Kv.Value, &svc); err != nil {
			return model.ConfigUpdate{}, false
		}
		return model.ConfigUpdate{Kind: model.UpdateService, Service: &svc}, true
	}
	var c model.ClientInfo
	if err := json.Unmarshal(ev.Kv.Value, &c); err != nil {
		return model.ConfigUpdate{}, false
	}
	return model.ConfigUpdate{Kind: model.UpdateClient, Client: &c}, true
}
