package middleware

import (
	"strconv"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/telemetry"
)

// Logger is the post-only middleware of spec.md §4.7.4. It requires no
// settings (it always runs) and emits the request-count and latency
// metrics the gateway exposes at /metrics.
type Logger struct {
	postCh   chan pipeline.PostRequest
	updateCh <-chan model.ConfigUpdate
	metrics  *telemetry.Metrics
}

func NewLogger(updateCh <-chan model.ConfigUpdate, metrics *telemetry.Metrics) *Logger {
	l := &Logger{
		postCh:   make(chan pipeline.PostRequest, inboxCapacity),
		updateCh: updateCh,
		metrics:  metrics,
	}
	go l.run()
	return l
}

func (l *Logger) Handle() pipeline.Handle {
	return pipeline.Handle{
		Name:           "logger",
		Pre:            false,
		Post:           true,
		RequireSetting: false,
		PostCh:         l.postCh,
	}
}

func (l *Logger) run() {
	for {
		select {
		case _, ok := <-l.updateCh:
			if !ok {
				return
			}
		case msg, ok := <-l.postCh:
			if !ok {
				return
			}
			l.handle(msg)
		}
	}
}

func (l *Logger) handle(msg pipeline.PostRequest) {
	elapsed := time.Since(msg.RCtx.StartTime)

	upstreamID, upstreamVersion, status := "", "", "0"
	if msg.Response != nil {
		upstreamID = msg.Response.Header.Get("X-UPSTREAM-ID")
		upstreamVersion = msg.Response.Header.Get("X-UPSTREAM-VERSION")
		status = strconv.Itoa(msg.Response.StatusCode)
	}

	if l.metrics != nil {
		l.metrics.RequestsTotal.WithLabelValues(
			msg.RCtx.ServiceID, msg.RCtx.ClientID, upstreamID, upstreamVersion, status, msg.RCtx.APIPath,
		).Inc()
		l.metrics.RequestDuration.WithLabelValues(
			msg.RCtx.ServiceID, msg.RCtx.ClientID, upstreamID, upstreamVersion,
		).Observe(elapsed.Seconds())
	}

	msg.Reply <- pipeline.PostResponse{Response: msg.Response}
}
