package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lokalnie/messaging/internal/handler/messages"
	"github.com/lokalnie/messaging/internal/handler/realtime"
	"github.com/lokalnie/messaging/internal/middleware"
	"github.com/lokalnie/messaging/pkg/httpx"
)

// NewRouter wires the HTTP surface: REST message endpoints, the websocket
// gateway, health and metrics.
func NewRouter(msgHandler *messages.Handler, rtHandler *realtime.Handler, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		msgHandler.RegisterRoutes(api)
		rtHandler.RegisterRoutes(api)
	})

	return r
}
