package middleware

import (
	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/upstream"
)

// Dispatch is the terminal, pre-only middleware of spec.md §4.7.5: it
// forwards the request to the per-service upstream Worker and always
// short-circuits with the result, never calling Next.
type Dispatch struct {
	preCh    chan pipeline.PreRequest
	registry *upstream.Registry
}

func NewDispatch(registry *upstream.Registry) *Dispatch {
	d := &Dispatch{
		preCh:    make(chan pipeline.PreRequest, inboxCapacity),
		registry: registry,
	}
	go d.run()
	return d
}

func (d *Dispatch) Handle() pipeline.Handle {
	return pipeline.Handle{
		Name:           "dispatch",
		Pre:            true,
		Post:           false,
		RequireSetting: false,
		PreCh:          d.preCh,
	}
}

func (d *Dispatch) run() {
	for msg := range d.preCh {
		d.handle(msg)
	}
}

func (d *Dispatch) handle(msg pipeline.PreRequest) {
	inbox, ok := d.registry.Lookup(msg.RCtx.ServiceID)
	if !ok {
		msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeInvalidServiceID, "no upstream registered for service "+msg.RCtx.ServiceID)}
		return
	}

	reply := make(chan upstream.Response, 1)
	wreq := upstream.Request{
		Ctx:     msg.Ctx,
		RCtx:    msg.RCtx,
		Request: msg.Request,
		Reply:   reply,
	}

	select {
	case inbox <- wreq:
	case <-msg.Ctx.Done():
		msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeChannelRecv, "dispatch send cancelled")}
		return
	}

	select {
	case wresp := <-reply:
		if wresp.Err != nil {
			msg.Reply <- pipeline.PreResponse{Err: wresp.Err}
			return
		}
		msg.Reply <- pipeline.PreResponse{Response: wresp.Response}
	case <-msg.Ctx.Done():
		msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeChannelRecv, "dispatch reply cancelled")}
	}
}
