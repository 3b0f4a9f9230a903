// Command admissiond runs the admission controller as a service. It serves
// the session API, exposes Prometheus metrics, sweeps stale sessions, and,
// when UPSTREAM_URL is set, proxies /v1/ to the compute tier behind the
// request gate.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/admission/memorystore"
	"github.com/ggoodman/admission-go/admission/redisstore"
	"github.com/ggoodman/admission-go/admissionhttp"
	"github.com/ggoodman/admission-go/gate"
	"github.com/ggoodman/admission-go/internal/limitsfile"
	"github.com/ggoodman/admission-go/internal/logctx"
	"github.com/ggoodman/admission-go/internal/metrics"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Admission admission.Config
	Redis     redisstore.Config

	// Store selects the backend: "redis" or "memory". ENV: ADMISSION_STORE
	Store string `env:"ADMISSION_STORE,default=redis"`
	// HTTPAddr is the listen address. ENV: HTTP_ADDR
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
	// UpstreamURL is proxied under /v1/ behind the gate. ENV: UPSTREAM_URL
	UpstreamURL string `env:"UPSTREAM_URL"`
	// LimitsFile is an optional YAML file watched for live limit changes. ENV: LIMITS_FILE
	LimitsFile string `env:"LIMITS_FILE"`
	// IdentityHeader carries the caller identity on proxied requests. ENV: IDENTITY_HEADER
	IdentityHeader string `env:"IDENTITY_HEADER,default=X-Identity"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "admissiond:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	// Defaults come from struct tags, so an empty environment is fine.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctrl, err := admission.New(store,
		admission.WithConfig(cfg.Admission),
		admission.WithLogger(log),
		admission.WithMetrics(rec),
	)
	if err != nil {
		return err
	}
	acfg := ctrl.Config()
	g := gate.New(acfg.MaxConcurrentRequests, ctrl, gate.WithLogger(log), gate.WithMetrics(rec))

	mux := http.NewServeMux()
	mux.Handle("/", admissionhttp.New(ctrl, admissionhttp.WithLogger(log)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if cfg.UpstreamURL != "" {
		proxy, err := newProxy(cfg.UpstreamURL, log)
		if err != nil {
			return err
		}
		mux.Handle("/v1/", admissionhttp.GateMiddleware(g,
			admissionhttp.IdentityFromHeader(cfg.IdentityHeader), proxy, admissionhttp.WithLogger(log)))
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ignoreCanceled(ctrl.RunReaper(ctx, acfg.ReapInterval))
	})
	if cfg.LimitsFile != "" {
		eg.Go(func() error {
			return ignoreCanceled(limitsfile.Watch(ctx, cfg.LimitsFile, log, func(l limitsfile.Limits) {
				if l.MaxActiveSessions > 0 {
					ctrl.SetMaxActiveSessions(l.MaxActiveSessions)
				}
				if l.AvgSessionDuration > 0 {
					ctrl.SetAverageSessionDuration(l.AvgSessionDuration)
				}
				if _, err := ctrl.PromoteAvailable(ctx); err != nil {
					log.WarnContext(ctx, "limits.promote.err", slog.String("err", err.Error()))
				}
			}))
		})
	}
	eg.Go(func() error {
		log.InfoContext(ctx, "admissiond.listen",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.Store),
			slog.Int("max_active_sessions", ctrl.MaxActiveSessions()),
			slog.Int("max_concurrent_requests", g.Limit()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.InfoContext(shutdownCtx, "admissiond.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func openStore(cfg config) (admission.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return memorystore.New(), func() {}, nil
	case "redis", "":
		s, err := redisstore.New(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("config: ADMISSION_STORE: unknown store %q", cfg.Store)
	}
}

func newProxy(raw string, log *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: UPSTREAM_URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("config: UPSTREAM_URL: %q is not an absolute URL", raw)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.ErrorContext(r.Context(), "proxy.upstream.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
