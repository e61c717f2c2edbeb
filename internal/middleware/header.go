package middleware

import (
	"net/http"

	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
)

// Header is both pre and post (spec.md §4.7.3). Filters are partitioned
// by OperateOn; removals (case-insensitive) always apply before
// injections, for whichever phase is running. A header name net/http
// cannot canonicalize is skipped, not an error.
type Header struct {
	preCh    chan pipeline.PreRequest
	postCh   chan pipeline.PostRequest
	updateCh <-chan model.ConfigUpdate
}

func NewHeader(updateCh <-chan model.ConfigUpdate) *Header {
	h := &Header{
		preCh:    make(chan pipeline.PreRequest, inboxCapacity),
		postCh:   make(chan pipeline.PostRequest, inboxCapacity),
		updateCh: updateCh,
	}
	go h.run()
	return h
}

func (h *Header) Handle() pipeline.Handle {
	return pipeline.Handle{
		Name:           "header",
		Pre:            true,
		Post:           true,
		RequireSetting: true,
		PreCh:          h.preCh,
		PostCh:         h.postCh,
	}
}

func (h *Header) run() {
	for {
		select {
		case u, ok := <-h.updateCh:
			if !ok {
				return
			}
			_ = u // header filters travel with each request; no standing state.
		case msg, ok := <-h.preCh:
			if !ok {
				return
			}
			h.handlePre(msg)
		case msg, ok := <-h.postCh:
			if !ok {
				return
			}
			h.handlePost(msg)
		}
	}
}

func (h *Header) handlePre(msg pipeline.PreRequest) {
	applyHeaderFilters(msg.Request.Header, "request", msg.ServiceFilters, msg.ClientFilters)
	msg.Reply <- pipeline.PreResponse{Next: msg.Request}
}

func (h *Header) handlePost(msg pipeline.PostRequest) {
	if msg.Response != nil {
		applyHeaderFilters(msg.Response.Header, "response", msg.ServiceFilters, msg.ClientFilters)
	}
	msg.Reply <- pipeline.PostResponse{Response: msg.Response}
}

func applyHeaderFilters(h http.Header, operateOn string, service, client []model.FilterSetting) {
	for _, removals := range []bool{true, false} {
		for _, f := range service {
			applyOneHeaderFilter(h, operateOn, f, removals)
		}
		for _, f := range client {
			applyOneHeaderFilter(h, operateOn, f, removals)
		}
	}
}

func applyOneHeaderFilter(h http.Header, operateOn string, f model.FilterSetting, removals bool) {
	if f.Kind != model.FilterHeader || f.OperateOn != operateOn {
		return
	}
	if removals {
		for _, name := range f.Remove {
			if !validHeaderName(name) {
				continue
			}
			h.Del(name)
		}
		return
	}
	for _, inj := range f.Inject {
		if !validHeaderName(inj.Name) {
			continue
		}
		h.Set(inj.Name, inj.Value)
	}
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == ':' || r > '~' {
			return false
		}
	}
	return true
}
