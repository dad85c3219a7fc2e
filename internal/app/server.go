package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contextai/internal/api/handlers"
	middleware "github.com/markdave123-py/contextai/internal/api/middlewares"
	"github.com/markdave123-py/contextai/internal/config"
	"github.com/markdave123-py/contextai/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, registry *services.ContextRegistry, settings *services.SettingsService, tokens *middleware.ContextTokens, pages handlers.PageQueue) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, registry, settings, tokens, pages),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// NewRouter returns the API routes.
func NewRouter(cfg *config.Config, registry *services.ContextRegistry, settings *services.SettingsService, tokens *middleware.ContextTokens, pages handlers.PageQueue) http.Handler {
	contextHandler := handlers.NewContextHandler(registry, tokens, pages)
	settingsHandler := handlers.NewSettingsHandler(settings)
	streamHandler := handlers.NewStreamHandler(registry, cfg.AllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// The event stream is long-lived and stays outside the request timeout.
	r.With(tokens.Middleware).Get("/ws/contexts", streamHandler.Serve)

	r.Route("/api", func(api chi.Router) {
		api.Use(chimiddleware.Timeout(60 * time.Second))

		api.Get("/health", handlers.Health)
		api.Get("/settings", settingsHandler.Get)
		api.Put("/settings", settingsHandler.Update)
		api.Post("/contexts", contextHandler.Open)

		api.Group(func(protected chi.Router) {
			protected.Use(tokens.Middleware)
			protected.Route("/contexts/me", func(me chi.Router) {
				me.Delete("/", contextHandler.Close)
				me.Get("/view", contextHandler.View)
				me.Put("/input", contextHandler.SetInput)
				me.Post("/send", contextHandler.Send)
				me.Post("/panel", contextHandler.SetPanel)
				me.Put("/page", contextHandler.SetPage)
				me.Put("/toggles/{field}", contextHandler.SetToggle)
				me.Put("/theme", contextHandler.ToggleTheme)
				me.Put("/model", contextHandler.SetModel)
				me.Put("/dimensions", contextHandler.SetDimensions)

				me.Get("/chats", contextHandler.ListChats)
				me.Post("/chats", contextHandler.NewChat)
				me.Post("/chats/{chatID}/switch", contextHandler.SwitchChat)
				me.Patch("/chats/{chatID}", contextHandler.RenameChat)
				me.Delete("/chats/{chatID}", contextHandler.DeleteChat)
			})
		})
	})
	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
