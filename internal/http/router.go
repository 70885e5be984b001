package http

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"unifiedauth/internal/auth"
	"unifiedauth/internal/config"
)

// RouterDeps carries the collaborators the HTTP layer is built from.
type RouterDeps struct {
	Auth     *auth.Service
	Sessions *auth.SessionIssuer
	Limiter  *RateLimiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Statuses counts response codes when set.
	Statuses statusCounter
	Logger   *slog.Logger
}

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, deps RouterDeps) http.Handler {
	logger := deps.Logger
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(0, logger)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(newClientIPMiddleware(cfg.TrustedProxies))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSlogMiddleware(logger, deps.Statuses))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	passwordHandler := NewPasswordHandler(deps.Auth, cfg.AppURL, logger)
	oauthHandler := NewOAuthHandler(deps.Auth, cfg.AppURL, cfg.SecureCookies(), logger)
	sessionHandler := NewSessionHandler(deps.Sessions)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/signin", passwordHandler.SignIn)
				r.Post("/signup", passwordHandler.SignUp)
				r.Post("/forgot-password", passwordHandler.ForgotPassword)
				r.Post("/reset-password", passwordHandler.ResetPassword)
			})
			r.Get("/providers", oauthHandler.Providers)
			r.Get("/callback/{provider}", oauthHandler.Callback)
			r.Get("/{provider}", oauthHandler.Initiate)
		})

		r.Route("/session", func(r chi.Router) {
			r.With(newAuthMiddleware(deps.Auth, logger)).Get("/", sessionHandler.Status)
			r.Delete("/", sessionHandler.Logout)
		})
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}
