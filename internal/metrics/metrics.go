package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_tasks_total",
		Help: "Tasks finished by site and outcome",
	}, []string{"site", "outcome"})

	TasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatworker_tasks_dropped_total",
		Help: "Task frames dropped because another task was in flight",
	})

	TaskInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatworker_task_in_flight",
		Help: "1 while a task is being processed",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatworker_task_duration_seconds",
		Help:    "End-to-end task latency from receipt to result",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 30, 60},
	}, []string{"site", "outcome"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatworker_phase_duration_seconds",
		Help:    "Per-phase latency (submit, poll, recover)",
		Buckets: []float64{0.1, 0.3, 0.5, 1, 2, 5, 10, 15, 20},
	}, []string{"phase"})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_stabilize_polls_total",
		Help: "Detector observations by whether the page was generating",
	}, []string{"site", "generating"})

	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_recoveries_total",
		Help: "New-conversation recoveries by outcome",
	}, []string{"outcome"})

	ConnectionUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatworker_connection_up",
		Help: "1 while the dispatcher connection is open",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatworker_reconnects_total",
		Help: "Reconnect attempts scheduled after a close",
	})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_frames_sent_total",
		Help: "Outbound frames by type",
	}, []string{"type"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatworker_frames_dropped_total",
		Help: "Outbound frames dropped because the connection was not open",
	})

	FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatworker_frames_malformed_total",
		Help: "Inbound frames that could not be decoded",
	})

	Healthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatworker_healthy",
		Help: "1 when the last health check passed",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_events_dropped_total",
		Help: "Bus events dropped because a subscriber buffer was full",
	}, []string{"type"})

	JournalWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatworker_journal_write_errors_total",
		Help: "State transitions that were applied but could not be journaled",
	}, []string{"entity"})
)

const shutdownTimeout = 5 * time.Second

// Serve exposes /metrics on addr until ctx is done. An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	if logger != nil {
		logger.Info("metrics endpoint listening", "addr", addr)
	}

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Outcome maps a task error to the outcome label.
func Outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// Bool renders a label value for boolean dimensions.
func Bool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}
