package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/advprof/models"
	"github.com/use-agent/advprof/scrape"
)

// Version is the reported service version.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports gate utilisation and degrades status when > 80% of slots are held.
func Health(runner *scrape.Runner, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := runner.Active()
		capacity := runner.Capacity()

		status := "healthy"
		if capacity > 0 && active > int(float64(capacity)*0.8) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:         status,
			Uptime:         time.Since(startTime).Round(time.Second).String(),
			ActiveFetches:  active,
			MaxConcurrency: capacity,
			Version:        Version,
		})
	}
}
