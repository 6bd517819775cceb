// Package metrics implements ports.Metrics on a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trade_engine"

var streamStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED"}

var killSwitchStates = []domain.KillSwitchStatus{domain.KillSwitchOff, domain.KillSwitchArmed, domain.KillSwitchOn}

// Prometheus collects engine metrics.
type Prometheus struct {
	registry *prometheus.Registry
	logger   ports.Logger

	orderStatus     *prometheus.CounterVec
	riskDenied      *prometheus.CounterVec
	fills           *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	streamState     *prometheus.GaugeVec
	streamReconnect prometheus.Counter
	killSwitch      *prometheus.GaugeVec
}

var _ ports.Metrics = (*Prometheus)(nil)

// New registers the engine collectors plus the Go runtime and process collectors.
func New(logger ports.Logger) *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{registry: reg, logger: logger}
	p.orderStatus = p.counterVec("order_status_transitions_total", "Order status transitions by target status.", "status")
	p.riskDenied = p.counterVec("risk_denials_total", "Pre-trade risk denials by reason.", "reason")
	p.fills = p.counterVec("fills_total", "Fills processed by symbol and outcome.", "symbol", "outcome")
	p.outbox = p.counterVec("outbox_deliveries_total", "Outbox delivery attempts by result.", "result")
	p.outboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending_events",
		Help:      "Events waiting for delivery.",
	})
	p.streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_state",
		Help:      "1 for the current stream connection state.",
	}, []string{"state"})
	p.streamReconnect = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Stream reconnect attempts.",
	})
	p.killSwitch = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "kill_switch_state",
		Help:      "1 for the current kill switch status per scope and account.",
	}, []string{"scope", "account", "status"})
	reg.MustRegister(p.outboxPending, p.streamState, p.streamReconnect, p.killSwitch)
	return p
}

func (p *Prometheus) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	p.registry.MustRegister(cv)
	return cv
}

func (p *Prometheus) OrderStatus(status domain.OrderStatus) {
	p.orderStatus.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) RiskDenied(reason domain.RiskReason) {
	p.riskDenied.WithLabelValues(string(reason)).Inc()
}

func (p *Prometheus) FillApplied(symbol string, duplicate bool) {
	outcome := "applied"
	if duplicate {
		outcome = "duplicate"
	}
	p.fills.WithLabelValues(symbol, outcome).Inc()
}

func (p *Prometheus) OutboxPublished()    { p.outbox.WithLabelValues("published").Inc() }
func (p *Prometheus) OutboxFailed()       { p.outbox.WithLabelValues("failed").Inc() }
func (p *Prometheus) OutboxDeadLettered() { p.outbox.WithLabelValues("dead_lettered").Inc() }
func (p *Prometheus) OutboxPending(n int) { p.outboxPending.Set(float64(n)) }
func (p *Prometheus) StreamReconnect()    { p.streamReconnect.Inc() }

func (p *Prometheus) StreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.streamState.WithLabelValues(s).Set(v)
	}
}

func (p *Prometheus) KillSwitch(scope domain.RiskScope, accountID string, status domain.KillSwitchStatus) {
	for _, s := range killSwitchStates {
		v := 0.0
		if s == status {
			v = 1
		}
		p.killSwitch.WithLabelValues(string(scope), accountID, string(s)).Set(v)
	}
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics HTTP server on addr until ctx is done.
func (p *Prometheus) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Error(ctx, err, "Failed to shut down metrics server")
		}
		return nil
	}
}
