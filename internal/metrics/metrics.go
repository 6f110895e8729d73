// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantora_messages_total",
			Help: "JSON-RPC messages relayed, by direction",
		},
		[]string{"direction"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantora_tool_calls_total",
			Help: "Tool calls evaluated, by verdict and category",
		},
		[]string{"verdict", "category"},
	)

	pendingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mantora_pending_decisions_total",
			Help: "Pending requests resolved, by terminal status",
		},
		[]string{"status"},
	)

	approvalWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mantora_approval_wait_seconds",
			Help:    "Time blocked calls spent waiting for a decision",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	storeAppendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mantora_store_append_retries_total",
			Help: "Step appends retried after a transient store failure",
		},
	)

	storeAppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mantora_store_append_failures_total",
			Help: "Step appends that failed after all retries",
		},
	)
)

// Direction labels for RecordMessage.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

func RecordMessage(direction string) {
	messagesTotal.WithLabelValues(direction).Inc()
}

func RecordToolCall(verdict, category string) {
	toolCallsTotal.WithLabelValues(verdict, category).Inc()
}

func RecordDecision(status string, waited time.Duration) {
	pendingDecisionsTotal.WithLabelValues(status).Inc()
	approvalWaitSeconds.Observe(waited.Seconds())
}

func RecordAppendRetry() {
	storeAppendRetries.Inc()
}

func RecordAppendFailure() {
	storeAppendFailures.Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
