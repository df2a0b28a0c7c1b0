package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/reelforge/jobwatch/internal/watch"
	ws "github.com/reelforge/jobwatch/internal/websocket"
	"github.com/reelforge/jobwatch/pkg/response"
)

// AppConfig controls the global middleware of the Fiber app.
type AppConfig struct {
	AccessLog       io.Writer // nil disables the access log
	AccessLogFormat string
	Middleware      []fiber.Handler
}

// NewApp creates the Fiber app with recovery, CORS and the JSON error handler.
func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	if cfg.AccessLog != nil {
		format := cfg.AccessLogFormat
		if format == "" {
			format = "[${time}] ${status} - ${latency} ${method} ${path}\n"
		}
		app.Use(logger.New(logger.Config{Format: format, Output: cfg.AccessLog}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	for _, mw := range cfg.Middleware {
		app.Use(mw)
	}
	return app
}

// Routes holds everything RegisterRoutes mounts. Nil optional members
// leave their routes out.
type Routes struct {
	Jobs        *JobHandler
	Auth        *AuthHandler  // optional
	Hub         *ws.Hub       // optional
	APIAuth     fiber.Handler // required
	SubmitLimit fiber.Handler // optional
	Metrics     http.Handler  // optional
	Health      func() fiber.Map
}

// RegisterRoutes mounts the job API.
func RegisterRoutes(app *fiber.App, r Routes) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{"status": "ok"}
		if r.Health != nil {
			body["services"] = r.Health()
		}
		return c.JSON(body)
	})

	if r.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(r.Metrics))
	}

	if r.Auth != nil {
		app.Get("/auth/verify", r.Auth.Verify)
	}

	api := app.Group("/api", r.APIAuth)
	jobs := api.Group("/jobs")
	jobs.Get("/", r.Jobs.List)
	if r.SubmitLimit != nil {
		jobs.Post("/:kind", r.SubmitLimit, r.Jobs.Submit)
	} else {
		jobs.Post("/:kind", r.Jobs.Submit)
	}
	jobs.Get("/:kind/:jobId", r.Jobs.Status)
	jobs.Post("/:kind/:jobId/cancel", r.Jobs.Cancel)

	if r.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/jobs/:kind/:jobId", websocket.New(func(c *websocket.Conn) {
			r.Hub.HandleConnection(c, watch.Handle{
				Kind:  watch.Kind(c.Params("kind")),
				JobID: c.Params("jobId"),
			})
		}))
	}
}

// ErrorHandler renders unhandled errors in the API's error envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
