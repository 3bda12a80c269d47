// sessions.go: photo submission and session polling endpoints.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// initSessionRoutes registers photo submission and session polling routes.
func (c *Controller) initSessionRoutes() {
	c.Group.POST("/photos", c.SubmitPhoto)
	c.Group.GET("/sessions", c.ListSessions)
	c.Group.GET("/sessions/:id", c.GetSessionStatus)
	c.Group.DELETE("/sessions/:id", c.CancelSession)
}

// submitRequest is the JSON body accepted by SubmitPhoto when the photo
// already lives in the blob store.
type submitRequest struct {
	ImageKey  string  `json:"image_key"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// submitResponse carries the identifiers a client needs to poll progress.
type submitResponse struct {
	SessionID string `json:"session_id"`
	ImageKey  string `json:"image_key"`
	Status    string `json:"status"`
}

// SubmitPhoto accepts either a multipart upload (field "photo", optional
// "latitude"/"longitude" form values) or a JSON body referencing an
// already stored blob, and starts a processing session.
func (c *Controller) SubmitPhoto(ctx echo.Context) error {
	contentType := ctx.Request().Header.Get(echo.HeaderContentType)

	var req submitRequest
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		key, lat, lon, err := c.storeUpload(ctx)
		if err != nil {
			return c.HandleError(ctx, err, "failed to store uploaded photo", http.StatusBadRequest)
		}
		req = submitRequest{ImageKey: key, Latitude: lat, Longitude: lon}
	} else {
		if err := ctx.Bind(&req); err != nil {
			return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
		}
	}

	if req.ImageKey == "" {
		return c.HandleError(ctx, nil, "image_key is required", http.StatusBadRequest)
	}

	sess, err := c.Pipeline.Submit(ctx.Request().Context(), req.ImageKey, req.Latitude, req.Longitude)
	if err != nil {
		return c.HandleError(ctx, err, "failed to submit photo", http.StatusInternalServerError)
	}

	c.apiLogger.Info("Photo submitted",
		"session_id", sess.ID,
		"image_key", req.ImageKey,
		"ip", ctx.RealIP())

	return ctx.JSON(http.StatusAccepted, submitResponse{
		SessionID: sess.ID,
		ImageKey:  req.ImageKey,
		Status:    string(sess.Snapshot().Status),
	})
}

// storeUpload writes the multipart photo to the blob store under a fresh
// key and returns it with any submitted coordinates.
func (c *Controller) storeUpload(ctx echo.Context) (key string, lat, lon float64, err error) {
	file, err := ctx.FormFile("photo")
	if err != nil {
		return "", 0, 0, fmt.Errorf("missing photo field: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return "", 0, 0, fmt.Errorf("opening upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	key = "photos/" + uuid.New().String() + ".jpg"
	if err := c.Blobs.Put(ctx.Request().Context(), key, src); err != nil {
		return "", 0, 0, err
	}

	if v := ctx.FormValue("latitude"); v != "" {
		if lat, err = strconv.ParseFloat(v, 64); err != nil {
			return "", 0, 0, fmt.Errorf("invalid latitude %q: %w", v, err)
		}
	}
	if v := ctx.FormValue("longitude"); v != "" {
		if lon, err = strconv.ParseFloat(v, 64); err != nil {
			return "", 0, 0, fmt.Errorf("invalid longitude %q: %w", v, err)
		}
	}
	return key, lat, lon, nil
}

// GetSessionStatus returns the live snapshot for an in-process session,
// falling back to the datastore for sessions from earlier runs.
func (c *Controller) GetSessionStatus(ctx echo.Context) error {
	id := ctx.Param("id")

	snap, err := c.Pipeline.Status(id)
	if err == nil {
		return ctx.JSON(http.StatusOK, snap)
	}
	if !isNotFound(err) {
		return c.HandleError(ctx, err, "failed to read session status", http.StatusInternalServerError)
	}

	if c.DS != nil {
		record, dbErr := c.DS.GetSession(id)
		if dbErr == nil {
			return ctx.JSON(http.StatusOK, record)
		}
		if !isNotFound(dbErr) {
			return c.HandleError(ctx, dbErr, "failed to read session", http.StatusInternalServerError)
		}
	}
	return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
}

// ListSessions returns the most recently received sessions.
func (c *Controller) ListSessions(ctx echo.Context) error {
	limit := 20
	if v := ctx.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 200 {
			return c.HandleError(ctx, err, "limit must be between 1 and 200", http.StatusBadRequest)
		}
		limit = parsed
	}

	sessions, err := c.DS.LatestSessions(limit)
	if err != nil {
		return c.HandleError(ctx, err, "failed to list sessions", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, sessions)
}

// CancelSession aborts an in-process session.
func (c *Controller) CancelSession(ctx echo.Context) error {
	id := ctx.Param("id")
	if err := c.Pipeline.Cancel(id); err != nil {
		if isNotFound(err) {
			return c.HandleError(ctx, err, "session not found", http.StatusNotFound)
		}
		return c.HandleError(ctx, err, "failed to cancel session", http.StatusInternalServerError)
	}
	return ctx.NoContent(http.StatusNoContent)
}
