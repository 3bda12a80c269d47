// Package api provides the HTTP surface for submitting photos and
// polling session state.
package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkarvonen/plantcount-go/internal/blobstore"
	"github.com/jkarvonen/plantcount-go/internal/buildinfo"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/datastore"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/pipeline"
)

// PhotoPipeline is the slice of the processing coordinator the API needs.
type PhotoPipeline interface {
	Submit(ctx context.Context, imageKey string, lat, lon float64) (*pipeline.Session, error)
	Status(sessionID string) (pipeline.Snapshot, error)
	Cancel(sessionID string) error
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo      *echo.Echo
	Group     *echo.Group
	DS        datastore.Interface
	Settings  *conf.Settings
	Pipeline  PhotoPipeline
	Blobs     blobstore.Store
	apiLogger *slog.Logger
	startTime time.Time
}

// New creates a controller with all routes registered on a fresh echo
// instance. The caller owns the instance lifecycle via Start and Shutdown.
func New(settings *conf.Settings, ds datastore.Interface, pl PhotoPipeline, blobs blobstore.Store) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		if ctx.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			code = httpErr.Code
		}
		_ = ctx.JSON(code, NewErrorResponse(err, http.StatusText(code), code))
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	c := &Controller{
		Echo:      e,
		Group:     e.Group("/api/v1"),
		DS:        ds,
		Settings:  settings,
		Pipeline:  pl,
		Blobs:     blobs,
		apiLogger: GetLogger(),
		startTime: time.Now(),
	}
	c.initRoutes()
	return c
}

func (c *Controller) initRoutes() {
	c.Echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	c.Group.GET("/health", c.HealthCheck)

	c.initSessionRoutes()
	c.initInventoryRoutes()
}

// Start serves on the configured port and blocks until shutdown.
func (c *Controller) Start() error {
	port := c.Settings.Web.Port
	if port == "" {
		port = "8080"
	}
	c.apiLogger.Info("Starting HTTP server", "port", port)
	if err := c.Echo.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("port", port).
			Build()
	}
	return nil
}

// Shutdown stops the HTTP listener, draining in-flight requests.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Echo.Shutdown(ctx)
}

// HealthCheck reports service liveness and datastore connectivity.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	response := map[string]any{
		"status":     "healthy",
		"version":    buildinfo.Version,
		"build_date": buildinfo.BuildDate,
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     time.Since(c.startTime).String(),
	}

	dbStatus := "connected"
	if c.DS != nil {
		if _, err := c.DS.LatestSessions(1); err != nil {
			dbStatus = "disconnected"
			response["database_error"] = err.Error()
		}
	} else {
		dbStatus = "disabled"
	}
	response["database_status"] = dbStatus

	return ctx.JSON(http.StatusOK, response)
}

// ErrorResponse is the JSON error envelope returned by all handlers.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates a new API error response with a correlation id
// for log cross-referencing.
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: generateCorrelationID(),
	}
}

func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// HandleError logs the error and writes the JSON error envelope.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	errorResp := NewErrorResponse(err, message, code)

	c.apiLogger.Error("API Error",
		"correlation_id", errorResp.CorrelationID,
		"message", message,
		"error", fmt.Sprintf("%v", err),
		"code", code,
		"path", ctx.Request().URL.Path,
		"method", ctx.Request().Method,
		"ip", ctx.RealIP())

	return ctx.JSON(code, errorResp)
}

// isNotFound reports whether err carries the not-found category.
func isNotFound(err error) bool {
	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		return enhanced.GetCategory() == string(errors.CategoryNotFound)
	}
	return false
}
