package main

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"patientcore/internal/adapters/httpapi"
	"patientcore/internal/config"
	"patientcore/internal/core"
	"patientcore/internal/query"
)

// app holds the wired service and the HTTP surface built from one Config.
type app struct {
	service *core.Service
	handler http.Handler
	closer  io.Closer
}

func (a *app) Close() error { return a.closer.Close() }

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) (*app, error) {
	store, closer, err := core.OpenSnapshotStore(ctx, cfg.Storage, core.WithStorageLogger(logger))
	if err != nil {
		return nil, err
	}

	opts := []core.ServiceOption{core.WithLogger(logger)}
	var recorders core.MultiMetricsRecorder
	var metricsHandler http.Handler
	if cfg.Metrics.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorders = append(recorders, core.NewPrometheusMetricsRecorder(reg))
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Metrics.Expvar {
		recorders = append(recorders, core.NewExpvarMetricsRecorder(""))
	}
	if len(recorders) > 0 {
		opts = append(opts, core.WithMetricsRecorder(recorders))
	}
	if cfg.Metrics.Audit {
		opts = append(opts, core.WithAuditRecorder(core.NewLogAuditRecorder(logger)))
	}
	if cfg.Metrics.Trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(traceOut)))
	}
	svc := core.NewService(store, opts...)

	var forwarder httpapi.QueryForwarder
	if cfg.Query.Enabled {
		completer := query.NewOpenAICompleter(
			query.WithBaseURL(cfg.Query.BaseURL),
			query.WithModel(cfg.Query.Model),
			query.WithAPIKey(cfg.Query.APIKey),
			query.WithHTTPClient(&http.Client{Timeout: cfg.Query.Timeout}),
		)
		forwarder = query.NewForwarder(completer, svc, logger)
	}

	api := httpapi.NewHandler(svc, forwarder, metricsHandler, logger)
	mux := http.NewServeMux()
	if cfg.Metrics.Expvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	mux.Handle("/", api)

	return &app{
		service: svc,
		handler: httpapi.WithRequestLogging(mux, logger),
		closer:  closer,
	}, nil
}

func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
