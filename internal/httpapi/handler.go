// Package httpapi exposes the kernel over HTTP: service management, command
// invocation, the lifecycle journal, metrics and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/service_kernel/internal/config"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/pkg/logger"
	"github.com/R3E-Network/service_kernel/platform/engine"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// Kernel is the part of the engine the API drives.
type Kernel interface {
	Stats() engine.Stats
	Health(ctx context.Context) error
	LoadService(ctx context.Context, desc config.ServiceDescriptor) error
	UnloadService(ctx context.Context, name string) error
	InvokeCommand(ctx context.Context, service, command string, payload kos.Payload) (kos.Payload, error)
	Registry() *engine.Registry
	Journal() *events.RingBuffer
}

// Options configures the handler.
type Options struct {
	Logger *logger.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Registerer receives the health check gauges when set.
	Registerer       prometheus.Registerer
	MetricsNamespace string
	// AllowedOrigins enables CORS for the listed origins; "*" allows all.
	AllowedOrigins []string
	// CommandTimeout bounds a command invocation. Zero means 30s.
	CommandTimeout time.Duration
	// MaxGoroutines fails the liveness probe above this count. Zero means
	// 10000.
	MaxGoroutines int
}

type handler struct {
	kernel  Kernel
	log     *logger.FieldLogger
	timeout time.Duration
}

// NewHandler returns a router exposing the kernel API.
func NewHandler(k Kernel, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("http")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = 10000
	}
	h := &handler{kernel: k, log: opts.Logger.Named("http"), timeout: opts.CommandTimeout}

	var health healthcheck.Handler
	if opts.Registerer != nil {
		health = healthcheck.NewMetricsHandler(opts.Registerer, opts.MetricsNamespace)
	} else {
		health = healthcheck.NewHandler()
	}
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	health.AddReadinessCheck("engine", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return k.Health(ctx)
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(newCORS(opts.AllowedOrigins).Handler)
	}

	r.Get("/status", h.status)
	r.Route("/services", func(r chi.Router) {
		r.Get("/", h.listServices)
		r.Post("/", h.loadService)
		r.Get("/{name}", h.getService)
		r.Delete("/{name}", h.unloadService)
		r.Post("/{name}/commands/{command}", h.invokeCommand)
	})
	r.Get("/events", h.listEvents)
	r.Get("/events/stream", h.streamEvents)

	r.Method(http.MethodGet, "/live", health)
	r.Method(http.MethodGet, "/ready", health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.kernel.Stats())
}

func (h *handler) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.kernel.Registry().List())
}

func (h *handler) loadService(w http.ResponseWriter, r *http.Request) {
	var desc config.ServiceDescriptor
	if err := decodeJSON(r.Body, &desc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.kernel.LoadService(r.Context(), desc); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	info, err := h.kernel.Registry().Info(desc.Name)
	if err != nil {
		// Unloaded again before we could look.
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *handler) getService(w http.ResponseWriter, r *http.Request) {
	info, err := h.kernel.Registry().Info(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) unloadService(w http.ResponseWriter, r *http.Request) {
	if err := h.kernel.UnloadService(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) invokeCommand(w http.ResponseWriter, r *http.Request) {
	service, command := chi.URLParam(r, "name"), chi.URLParam(r, "command")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := kos.NewPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	answer, err := h.kernel.InvokeCommand(ctx, service, command, payload)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		n = parsed
	}

	journal := h.kernel.Journal()
	var out []events.Event
	switch {
	case q.Get("service") != "":
		out = journal.RecentByService(q.Get("service"), n)
	case q.Get("type") != "":
		out = journal.RecentByType(events.EventType(q.Get("type")), n)
	default:
		out = journal.Recent(n)
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps kernel errors to HTTP status codes.
func statusFor(err error) int {
	var osErr *kos.OSError
	switch {
	case kos.IsServiceNotFound(err), kos.IsCommandNotFound(err):
		return http.StatusNotFound
	case kos.IsDuplicateServiceName(err), errors.Is(err, kos.ErrUnloadInProgress), errors.Is(err, kos.ErrServiceStopping):
		return http.StatusConflict
	case errors.As(err, &osErr):
		if osErr.Code == kos.ErrCodeCapabilityDenied {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case kos.IsModuleOpen(err), kos.IsSymbolResolution(err), kos.IsInvalidInstance(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, kos.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
