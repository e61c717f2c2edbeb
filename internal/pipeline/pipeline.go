// Package pipeline implements the recursive middleware driver of spec.md
// §4.6: each registered middleware is a message-passing actor with its
// own mailbox; the driver threads one request through the stack,
// propagating a short-circuit response or an error as it unwinds.
package pipeline

import (
	"context"
	"net/http"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
)

// PreRequest is sent to a middleware's pre-hook mailbox.
type PreRequest struct {
	Ctx            context.Context
	RCtx           *model.RequestContext
	Request        *http.Request
	ServiceFilters []model.FilterSetting
	ClientFilters  []model.FilterSetting
	Reply          chan PreResponse
}

// PreResponse is the middleware's reply: either Next (continue down the
// stack, possibly with a mutated request) or a short-circuit Response.
// Exactly one of Response/Err is set when continuing is not requested.
type PreResponse struct {
	Next     *http.Request
	Response *http.Response
	Err      *gwerrors.GatewayError
}

// PostRequest is sent to a middleware's post-hook mailbox.
type PostRequest struct {
	Ctx            context.Context
	RCtx           *model.RequestContext
	Response       *http.Response
	ServiceFilters []model.FilterSetting
	ClientFilters  []model.FilterSetting
	Reply          chan PostResponse
}

// PostResponse is the middleware's reply from the post-hook.
type PostResponse struct {
	Response *http.Response
	Err      *gwerrors.GatewayError
}

// Handle is the driver's static view of one registered middleware: its
// name (used to look up per-request filter settings), which phases it
// participates in, and the mailboxes to reach it on. Run walks the stack
// slice front to back: stack[0]'s pre-hook runs first and its post-hook
// runs last. The dispatcher middleware belongs at the end of the slice.
type Handle struct {
	Name           string
	Pre            bool
	Post           bool
	RequireSetting bool
	PreCh          chan<- PreRequest
	PostCh         chan<- PostRequest
}

// Run recursively threads req through stack, returning the final response
// or the first GatewayError raised. It implements the contract of
// spec.md §4.6 exactly, including the "empty stack without a response is
// GatewayInternalError" terminal case.
func Run(ctx context.Context, stack []Handle, rctx *model.RequestContext, req *http.Request) (*http.Response, *gwerrors.GatewayError) {
	if len(stack) == 0 {
		return nil, gwerrors.New(gwerrors.CodeInternal, "middleware misconfiguration")
	}

	h := stack[0]
	rest := stack[1:]

	sf := rctx.ServiceFilters[h.Name]
	cf := rctx.ClientFilters[h.Name]
	if h.RequireSetting && len(sf) == 0 && len(cf) == 0 {
		return Run(ctx, rest, rctx, req)
	}

	if h.Pre {
		reply := make(chan PreResponse, 1)
		msg := PreRequest{
			Ctx:            ctx,
			RCtx:           rctx,
			Request:        req,
			ServiceFilters: sf,
			ClientFilters:  cf,
			Reply:          reply,
		}
		select {
		case h.PreCh <- msg:
		case <-ctx.Done():
			return nil, gwerrors.New(gwerrors.CodeChannelRecv, "pre-hook send cancelled: "+h.Name)
		}

		select {
		case pr := <-reply:
			if pr.Err != nil {
				return nil, pr.Err
			}
			if pr.Response != nil {
				// Short-circuit: skip remaining pre-hooks and all post-hooks.
				return pr.Response, nil
			}
			req = pr.Next
		case <-ctx.Done():
			return nil, gwerrors.New(gwerrors.CodeChannelRecv, "pre-hook reply cancelled: "+h.Name)
		}
	}

	resp, err := Run(ctx, rest, rctx, req)
	if err != nil {
		return nil, err
	}

	if h.Post {
		reply := make(chan PostResponse, 1)
		msg := PostRequest{
			Ctx:            ctx,
			RCtx:           rctx,
			Response:       resp,
			ServiceFilters: sf,
			ClientFilters:  cf,
			Reply:          reply,
		}
		select {
		case h.PostCh <- msg:
		case <-ctx.Done():
			return nil, gwerrors.New(gwerrors.CodeChannelRecv, "post-hook send cancelled: "+h.Name)
		}

		select {
		case pr := <-reply:
			if pr.Err != nil {
				return nil, pr.Err
			}
			resp = pr.Response
		case <-ctx.Done():
			return nil, gwerrors.New(gwerrors.CodeChannelRecv, "post-hook reply cancelled: "+h.Name)
		}
	}

	return resp, nil
}
