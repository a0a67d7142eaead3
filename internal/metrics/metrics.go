// Package metrics exposes Prometheus counters for dispatch invocations and
// gateway sends. Counters live on a private registry, not the global one.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/tinywideclouds/go-outbox-dispatcher/internal/pipeline"
	"github.com/tinywideclouds/go-outbox-dispatcher/internal/platform/expo"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

const jobName = "outbox_dispatcher"

// Invocation outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeClaimFailed = "claim_failed"
)

// Gateway send outcomes.
const (
	SendOK        = "ok"
	SendHTTP      = "http_error"
	SendProtocol  = "protocol_error"
	SendTickets   = "ticket_error"
	SendTransport = "transport_error"
)

// Metrics implements pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	invocations *prometheus.CounterVec
	rows        *prometheus.CounterVec
	sends       *prometheus.CounterVec
	messages    prometheus.Counter

	pusher *push.Pusher
	logger *slog.Logger
}

func New(logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_invocations_total",
			Help: "Dispatch invocations, partitioned by outcome.",
		}, []string{"outcome"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_rows_total",
			Help: "Claimed outbox rows, partitioned by terminal state.",
		}, []string{"result"}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_gateway_sends_total",
			Help: "Push gateway Send calls, partitioned by outcome.",
		}, []string{"outcome"}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dispatch_messages_total",
			Help: "Push messages handed to the gateway.",
		}),
		logger: logger.With("component", "Metrics"),
	}
}

// WithPushgateway pushes the registry to url after every invocation. This is
// for deployments where nothing scrapes the process between runs.
func (m *Metrics) WithPushgateway(url string) *Metrics {
	m.pusher = push.New(url, jobName).Gatherer(m.registry)
	return m
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InvocationFinished(res pipeline.Result, err error) {
	if err != nil {
		m.invocations.WithLabelValues(OutcomeClaimFailed).Inc()
	} else {
		m.invocations.WithLabelValues(OutcomeOK).Inc()
		m.rows.WithLabelValues("processed").Add(float64(res.Processed))
		m.rows.WithLabelValues("error").Add(float64(len(res.Errors)))
	}

	if m.pusher == nil {
		return
	}
	if pushErr := m.pusher.Push(); pushErr != nil {
		m.logger.Warn("Failed to push metrics", "err", pushErr)
	}
}

// Gateway counts every Send made through it.
func (m *Metrics) Gateway(next dispatch.Gateway) dispatch.Gateway {
	return &countingGateway{next: next, m: m}
}

type countingGateway struct {
	next dispatch.Gateway
	m    *Metrics
}

func (g *countingGateway) Send(ctx context.Context, messages []outbox.PushMessage) error {
	err := g.next.Send(ctx, messages)
	g.m.sends.WithLabelValues(sendOutcome(err)).Inc()
	g.m.messages.Add(float64(len(messages)))
	return err
}

func sendOutcome(err error) string {
	var (
		httpErr   *expo.HTTPError
		protoErr  *expo.ProtocolError
		ticketErr *expo.TicketError
	)
	switch {
	case err == nil:
		return SendOK
	case errors.As(err, &httpErr):
		return SendHTTP
	case errors.As(err, &protoErr):
		return SendProtocol
	case errors.As(err, &ticketErr):
		return SendTickets
	default:
		return SendTransport
	}
}
