package handler

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sonicsplit/api/internal/auth"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/pkg/response"
)

// AuthHandler issues anonymous sessions and answers ForwardAuth checks
type AuthHandler struct {
	authenticator *auth.Authenticator
	logger        *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authenticator *auth.Authenticator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		authenticator: authenticator,
		logger:        logger.With(slog.String("component", "auth_handler")),
	}
}

// Anonymous handles POST /auth/anonymous. Every call yields a new user id.
func (h *AuthHandler) Anonymous(c *fiber.Ctx) error {
	sessions := h.authenticator.Sessions()
	if sessions == nil {
		return response.Forbidden(c, "Anonymous sign-in is disabled")
	}

	session, err := sessions.IssueAnonymous()
	if err != nil {
		h.logger.Error("failed to issue session", slog.Any("error", err))
		return response.ServiceError(c, "Failed to sign in")
	}

	return response.Created(c, model.AnonymousSignInResponse{
		UserID:    session.UserID,
		Token:     session.Token,
		ExpiresIn: int(time.Until(session.ExpiresAt).Seconds()),
	})
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := auth.BearerToken(c.Get("Authorization"))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	principal, err := h.authenticator.Authenticate(token)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", principal.UserID)
	if principal.Email != "" {
		c.Set("X-User-Email", principal.Email)
	}
	if principal.Name != "" {
		c.Set("X-User-Name", principal.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
