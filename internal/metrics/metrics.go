package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mellowdrifter/pcpd/internal/notify"
	"github.com/mellowdrifter/pcpd/internal/protocol"
)

const defaultEndpoint = "/metrics"

type Metrics struct {
	gatherer prometheus.Gatherer

	requestsTotal   *prometheus.CounterVec
	droppedTotal    prometheus.Counter
	mappingsActive  *prometheus.GaugeVec
	mappingsCreated prometheus.Counter
	mappingsDeleted prometheus.Counter
	policyChanges   *prometheus.CounterVec
}

// New registers pcpd's collectors on reg. The same registry is served by
// Handler.
func New(reg *prometheus.Registry) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		requestsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcpd_requests_total",
				Help: "PCP requests answered, labelled by opcode and result code",
			},
			[]string{"opcode", "result"},
		),
		droppedTotal: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "pcpd_requests_dropped_total",
			Help: "Datagrams dropped without a reply",
		}),
		mappingsActive: promFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pcpd_mappings_count",
				Help: "Current number of stored mappings labelled by opcode",
			},
			[]string{"opcode"},
		),
		mappingsCreated: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "pcpd_mappings_created_total",
			Help: "Mappings created since start",
		}),
		mappingsDeleted: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "pcpd_mappings_deleted_total",
			Help: "Mappings deleted since start",
		}),
		policyChanges: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pcpd_policy_changes_total",
				Help: "Configuration changes applied, labelled by key",
			},
			[]string{"key"},
		),
	}
}

// NewWithRuntime is New plus the Go runtime and process collectors.
func NewWithRuntime(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

func (m *Metrics) ObserveRequest(op protocol.Opcode, result protocol.ResultCode) {
	m.requestsTotal.With(prometheus.Labels{
		"opcode": op.String(),
		"result": result.String(),
	}).Inc()
}

func (m *Metrics) ObserveDrop() {
	m.droppedTotal.Inc()
}

// Notify keeps the mapping gauges in step with the store.
func (m *Metrics) Notify(e notify.Event) {
	switch e.Kind {
	case notify.MappingCreated:
		m.mappingsCreated.Inc()
		m.mappingsActive.With(prometheus.Labels{"opcode": e.Mapping.Opcode.String()}).Inc()
	case notify.MappingDeleted:
		m.mappingsDeleted.Inc()
		m.mappingsActive.With(prometheus.Labels{"opcode": e.Mapping.Opcode.String()}).Dec()
	case notify.PolicyChanged:
		m.policyChanges.With(prometheus.Labels{"key": e.Key}).Inc()
	}
}

// ResetMappings zeroes the mapping gauges, used after the table is cleared.
func (m *Metrics) ResetMappings() {
	m.mappingsActive.Reset()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Server exposes the metrics endpoint over HTTP.
type Server struct {
	*http.Server
}

func NewServer(addr string, m *Metrics) *Server {
	router := http.NewServeMux()
	router.Handle(defaultEndpoint, m.Handler())
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is done and then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
