package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/corray333/backend-labs/saga/internal/service/services/ordersvc"
	createorder "github.com/corray333/backend-labs/saga/internal/transport/http/v1/create_order"
	getsaga "github.com/corray333/backend-labs/saga/internal/transport/http/v1/get_saga"
	"github.com/corray333/backend-labs/saga/internal/transport/http/v1/health"
	"github.com/corray333/backend-labs/saga/pkg/http/middleware/trace"
	"github.com/corray333/backend-labs/saga/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type orderService interface {
	CreateOrder(ctx context.Context, details event.OrderDetails) (ordersvc.Created, error)
	GetSaga(ctx context.Context, sagaID string) (saga.Instance, error)
}

// HealthCheck is re-exported for the app builders.
type HealthCheck = health.Check

type HTTPTransport struct {
	server  *http.Server
	router  *chi.Mux
	service string
	checks  []HealthCheck
}

// NewHTTPTransport creates the server with /health and /metrics mounted.
func NewHTTPTransport(cfg config.HTTP, service string, checks ...HealthCheck) *HTTPTransport {
	router := newRouter(cfg, service)
	h := &HTTPTransport{
		server:  newServer(cfg, router),
		router:  router,
		service: service,
		checks:  checks,
	}

	router.Get("/health", h.health)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return h
}

// Run serves until Shutdown. A graceful shutdown returns nil.
func (h *HTTPTransport) Run() error {
	slog.Info("Starting HTTP server", "address", h.server.Addr)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// RegisterOrderRoutes mounts the order API.
func (h *HTTPTransport) RegisterOrderRoutes(svc orderService) {
	h.router.Route("/api", func(r chi.Router) {
		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			createorder.CreateOrder(w, r, svc)
		})
		r.Get("/sagas/{sagaId}", func(w http.ResponseWriter, r *http.Request) {
			getsaga.GetSaga(w, r, svc)
		})
	})
}

// Handler exposes the router.
func (h *HTTPTransport) Handler() http.Handler {
	return h.router
}

func (h *HTTPTransport) health(w http.ResponseWriter, r *http.Request) {
	health.Health(w, r, h.service, h.checks)
}

func newRouter(cfg config.HTTP, service string) *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(trace.NewTraceMiddleware(service))
	router.Use(logger.NewLoggerMiddleware(slog.Default()))

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Traceparent", "Tracestate"},
		MaxAge:         300,
	})

	router.Use(c.Handler)

	return router
}

func newServer(cfg config.HTTP, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
