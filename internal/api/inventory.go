// inventory.go: inventory event and daily summary endpoints.
package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// initInventoryRoutes registers inventory query routes.
func (c *Controller) initInventoryRoutes() {
	c.Group.GET("/sessions/:id/inventory", c.GetInventory)
	c.Group.GET("/inventory/summary", c.GetDailySummary)
}

// GetInventory returns the inventory event recorded for a session.
func (c *Controller) GetInventory(ctx echo.Context) error {
	id := ctx.Param("id")

	event, err := c.DS.GetInventoryEvent(id)
	if err != nil {
		if isNotFound(err) {
			return c.HandleError(ctx, err, "no inventory event for session", http.StatusNotFound)
		}
		return c.HandleError(ctx, err, "failed to read inventory event", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, event)
}

// GetDailySummary rolls up inventory counts for one calendar day.
// Defaults to today when the date query parameter is absent.
func (c *Controller) GetDailySummary(ctx echo.Context) error {
	date := ctx.QueryParam("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if !datePattern.MatchString(date) {
		return c.HandleError(ctx, nil, "date must be YYYY-MM-DD", http.StatusBadRequest)
	}

	rows, err := c.DS.DailySummary(date)
	if err != nil {
		return c.HandleError(ctx, err, "failed to compute daily summary", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"date":    date,
		"rows":    rows,
		"buckets": len(rows),
	})
}
