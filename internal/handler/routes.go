package handler

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

// ImagePathPrefix is where in-memory images are served from
const ImagePathPrefix = "/img"

// Routes collects what Register needs to mount the API
type Routes struct {
	Generate *GenerateHandler
	Health   *HealthHandler
	Auth     *AuthHandler
	// Images is set when generated images are kept in process memory
	Images *ImageHandler

	Authenticate  fiber.Handler
	GenerateLimit fiber.Handler
	// PublicHealth exempts the health endpoints from authentication
	PublicHealth bool
}

// Register mounts every route on app
func Register(app *fiber.App, r Routes) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	if r.PublicHealth {
		app.Get("/health", r.Health.Health)
		app.Get("/api/health", r.Health.Health)
	} else {
		app.Get("/health", r.Authenticate, r.Health.Health)
		app.Get("/api/health", r.Authenticate, r.Health.Health)
	}

	if r.Images != nil {
		app.Get(ImagePathPrefix+"/*", r.Images.Serve)
	}

	// ForwardAuth verification endpoint
	app.Get("/auth/verify", r.Authenticate, r.Auth.Verify)

	api := app.Group("/api/v1", r.Authenticate)
	api.Post("/generate", r.GenerateLimit, r.Generate.Generate)
	api.Get("/tasks", r.Generate.ListTasks)
	api.Get("/tasks/:taskId", r.Generate.GetTask)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/tasks/:taskId", r.Authenticate, websocket.New(r.Generate.TaskEvents))
}

// ErrorHandler renders errors that escaped a handler in the API envelope
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Internal Server Error"
	code := response.CodeServiceError

	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
		message = e.Message
		switch status {
		case fiber.StatusNotFound:
			code = response.CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
			code = response.CodeValidationError
		}
	}

	return response.Error(c, status, code, message, nil)
}
