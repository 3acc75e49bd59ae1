package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers all authentication routes with the Chi router.
// Public routes: signup, login, password reset, Google OAuth, CSRF.
// Protected routes: logout, me, and the MFA management surface.
func RegisterRoutes(r chi.Router, handler *AuthHandler, authMiddleware Middleware) {
	r.Route("/auth", func(r chi.Router) {
		// Public routes (no authentication required)
		r.Post("/signup", handler.Signup)
		r.Post("/login", handler.Login)
		r.Post("/password/forgot", handler.ForgotPassword)
		r.Post("/password/reset", handler.ResetPassword)
		r.Get("/google/start", handler.GoogleStart)
		r.Get("/google/callback", handler.GoogleCallback)
		r.Get("/csrf", handler.CSRF)

		// Protected routes (authentication required)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Post("/logout", handler.Logout)
			r.Get("/me", handler.GetMe)
			r.Post("/mfa/setup", handler.SetupMFA)
			r.Post("/mfa/enable", handler.EnableMFA)
			r.Post("/mfa/disable", handler.DisableMFA)
			r.Post("/mfa/backup/regenerate", handler.RegenerateBackupCodes)
		})
	})
}
