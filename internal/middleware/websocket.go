package middleware

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sonicsplit/api/internal/auth"
	"github.com/sonicsplit/api/pkg/response"
)

// WebSocketUpgrade authenticates an upgrade request. Browsers cannot set
// headers on a websocket handshake, so the token may come from the "token"
// query parameter. With gatewayMode the identity headers of the gateway are
// trusted instead.
func WebSocketUpgrade(authenticator *auth.Authenticator, gatewayMode bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		if gatewayMode {
			if userID := c.Get("X-User-Id"); userID != "" {
				SetPrincipal(c, &auth.Principal{UserID: userID})
				return c.Next()
			}
		}

		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.Get("Authorization"))
		}
		principal, err := authenticator.Authenticate(token)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		SetPrincipal(c, principal)
		return c.Next()
	}
}
