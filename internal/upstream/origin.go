package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/telemetry"
)

// OriginHandler is the single-upstream HTTP client of spec.md §4.1. It is
// deliberately ignorant of load balancing and circuit breaking so either
// can wrap it without knowing about the transport underneath.
type OriginHandler struct {
	serviceID   string
	servicePath string
	upstream    model.Upstream
	client      *http.Client
	metrics     *telemetry.Metrics
}

func NewOriginHandler(serviceID, servicePath string, up model.Upstream, client *http.Client, metrics *telemetry.Metrics) *OriginHandler {
	return &OriginHandler{
		serviceID:   serviceID,
		servicePath: servicePath,
		upstream:    up,
		client:      client,
		metrics:     metrics,
	}
}

// RoundTrip strips the service prefix from the inbound path, prepends the
// upstream target, forces HTTP/1.1, and dispatches with a per-request
// deadline equal to the service timeout.
func (o *OriginHandler) RoundTrip(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, *gwerrors.GatewayError) {
	outReq := req.Clone(ctx)
	outReq.URL.Scheme, outReq.URL.Host, outReq.URL.Path = "", "", ""

	target := strings.TrimSuffix(o.upstream.Target, "/")
	remainder := strings.TrimPrefix(req.URL.Path, o.servicePath)
	if remainder != "" && !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}

	parsedTarget, err := url.Parse(target + remainder)
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeUpstreamError, "invalid upstream target: "+err.Error())
	}
	parsedTarget.RawQuery = req.URL.RawQuery

	outReq.URL = parsedTarget
	outReq.Host = parsedTarget.Host
	outReq.RequestURI = ""
	outReq.Proto = "HTTP/1.1"
	outReq.ProtoMajor = 1
	outReq.ProtoMinor = 1

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	outReq = outReq.WithContext(ctx)

	labels := []string{o.serviceID, o.upstream.ID, o.upstream.Version}
	if o.metrics != nil {
		o.metrics.UpstreamInFlight.WithLabelValues(labels...).Inc()
		defer o.metrics.UpstreamInFlight.WithLabelValues(labels...).Dec()
	}

	resp, doErr := o.client.Do(outReq)
	if doErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.New(gwerrors.CodeTimeout, "upstream deadline exceeded")
		}
		return nil, gwerrors.New(gwerrors.CodeUpstreamError, doErr.Error())
	}

	resp.Header.Set("X-UPSTREAM-ID", o.upstream.ID)
	resp.Header.Set("X-UPSTREAM-VERSION", o.upstream.Version)
	return resp, nil
}
