package configbus

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/edgeway/internal/model"
)

// catalogDoc is the on-disk shape for the file config source: a flat list
// of services and clients, decoded with gopkg.in/yaml.v3 like every other
// config surface in this repo.
type catalogDoc struct {
	Services []model.ServiceInfo `yaml:"services"`
	Clients  []model.ClientInfo  `yaml:"clients"`
}

// FileSource reads a YAML catalog from disk, emits the initial snapshot,
// then reloads and diffs on SIGUSR2.
type FileSource struct {
	Path string

	prevServices map[string]model.ServiceInfo
	prevClients  map[string]model.ClientInfo
}

// Stream implements Source.
func (f *FileSource) Stream(ctx context.Context) (<-chan model.ConfigUpdate, error) {
	out := make(chan model.ConfigUpdate, subscriberCapacity)

	doc, err := f.load()
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)

		f.emitInitial(ctx, out, doc)

		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGUSR2)
		defer signal.Stop(reload)

		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				doc, err := f.load()
				if err != nil {
					continue
				}
				f.emitDiff(ctx, out, doc)
			}
		}
	}()

	return out, nil
}

func (f *FileSource) load() (catalogDoc, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return catalogDoc{}, err
	}
	var doc catalogDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return catalogDoc{}, err
	}
	return doc, nil
}

func (f *FileSource) emitInitial(ctx context.Context, out chan<- model.ConfigUpdate, doc catalogDoc) {
	f.prevServices = make(map[string]model.ServiceInfo, len(doc.Services))
	f.prevClients = make(map[string]model.ClientInfo, len(doc.Clients))

	for _, s := range doc.Services {
		s := s
		if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateService, Service: &s}) {
			return
		}
		f.prevServices[s.ServiceID] = s
	}
	for _, c := range doc.Clients {
		c := c
		if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateClient, Client: &c}) {
			return
		}
		f.prevClients[c.ClientID] = c
	}
	send(ctx, out, model.ConfigUpdate{Kind: model.UpdateConfigReady, Ready: true})
}

// emitDiff implements the reload algorithm of spec.md §4.9: services
// first, then clients; updates for anything new or changed, removes for
// anything that disappeared. A reload with no changes emits nothing.
func (f *FileSource) emitDiff(ctx context.Context, out chan<- model.ConfigUpdate, doc catalogDoc) {
	newServices := make(map[string]model.ServiceInfo, len(doc.Services))
	for _, s := range doc.Services {
		newServices[s.ServiceID] = s
	}
	newClients := make(map[string]model.ClientInfo, len(doc.Clients))
	for _, c := range doc.Clients {
		newClients[c.ClientID] = c
	}

	for id, s := range newServices {
		if old, ok := f.prevServices[id]; !ok || !serviceEqual(old, s) {
			s := s
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateService, Service: &s}) {
				return
			}
		}
	}
	for id := range f.prevServices {
		if _, ok := newServices[id]; !ok {
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateServiceRemove, ServiceID: id}) {
				return
			}
		}
	}

	for id, c := range newClients {
		if old, ok := f.prevClients[id]; !ok || !clientEqual(old, c) {
			c := c
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateClient, Client: &c}) {
				return
			}
		}
	}
	for id := range f.prevClients {
		if _, ok := newClients[id]; !ok {
			if !send(ctx, out, model.ConfigUpdate{Kind: model.UpdateClientRemove, ClientID: id}) {
				return
			}
		}
	}

	f.prevServices = newServices
	f.prevClients = newClients
}

func send(ctx context.Context, out chan<- model.ConfigUpdate, u model.ConfigUpdate) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func serviceEqual(a, b model.ServiceInfo) bool {
	ab, _ := yaml.Marshal(a)
	bb, _ := yaml.Marshal(b)
	return string(ab) == string(bb)
}

func clientEqual(a, b model.ClientInfo) bool {
	ab, _ := yaml.Marshal(a)
	bb, _ := yaml.Marshal(b)
	return string(ab) == string(bb)
}
