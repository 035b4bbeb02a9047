// Package server assembles the HTTP and websocket surface of the API.
package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sonicsplit/api/internal/auth"
	"github.com/sonicsplit/api/internal/config"
	"github.com/sonicsplit/api/internal/handler"
	"github.com/sonicsplit/api/internal/middleware"
	"github.com/sonicsplit/api/internal/service"
	ws "github.com/sonicsplit/api/internal/websocket"
	"github.com/sonicsplit/api/pkg/response"
)

// Deps are the collaborators the routes are built from
type Deps struct {
	Config        *config.Config
	Jobs          *service.JobService
	Hub           *ws.Hub
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
	// AccessLog receives one line per request; nil disables it
	AccessLog io.Writer
	// Services reports optional backends on /health
	Services map[string]bool
}

// NewApp builds the fiber app with every route registered
func NewApp(d Deps) *fiber.App {
	cfg := d.Config
	validate := validator.New()

	jobHandler := handler.NewJobHandler(d.Jobs, validate, d.Logger)
	authHandler := handler.NewAuthHandler(d.Authenticator, d.Logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		// Leave room for the multipart envelope so oversized files reach the
		// handler and get a proper error
		BodyLimit:             int(d.Jobs.MaxUploadBytes()) + 1<<20,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if d.AccessLog != nil {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if cfg.Server.LogLevel == "debug" {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		}
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: logFormat,
			Output: d.AccessLog,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{}
		for name, ok := range d.Services {
			services[name] = ok
		}
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": services,
		})
	})

	// Anonymous sign-in and the ForwardAuth check
	app.Post("/auth/anonymous", authHandler.Anonymous)
	app.Get("/auth/verify", authHandler.Verify)

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(d.Authenticator).Authenticate()
	}

	api := app.Group("/api", apiAuth)
	api.Post("/jobs", d.RateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), jobHandler.Create)
	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:jobId", jobHandler.Get)
	api.Post("/jobs/:jobId/cancel", jobHandler.Cancel)

	app.Use("/ws", middleware.WebSocketUpgrade(d.Authenticator, cfg.Gateway.Enabled))
	app.Get("/ws/jobs", d.Hub.Handler())

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusRequestEntityTooLarge:
		errCode = response.CodeTooLarge
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusUpgradeRequired, fiber.StatusMethodNotAllowed:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
