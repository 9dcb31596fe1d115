package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	documentOps *prometheus.CounterVec
	watchers    prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		documentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "document_operations_total",
			Help:      "Document store operations by collection and operation.",
		}, []string{"collection", "op"}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "collection_watchers",
			Help:      "Open collection watch connections.",
		}),
	}
	reg.MustRegister(m.requests, m.documentOps, m.watchers)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		err := next(ctx)
		code := ctx.Response().Status
		if herr, ok := err.(*echo.HTTPError); ok {
			code = herr.Code
		} else if err != nil {
			code = http.StatusInternalServerError
		}
		route := ctx.Path()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, ctx.Request().Method, strconv.Itoa(code)).Inc()
		return err
	}
}
