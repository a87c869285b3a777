package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvest/pool"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Pools   []pool.Stats `json:"pools"`
	Version string       `json:"version"`
}

// Health returns a handler for GET /api/v1/health.
//
// Reports pool utilisation and degrades status when any pool has more
// than 80% of its resources checked out.
func Health(pools func() []pool.Stats, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := pools()

		status := "healthy"
		for _, s := range stats {
			if s.Total > 0 && s.InUse > int(float64(s.Total)*0.8) {
				status = "degraded"
				break
			}
		}

		c.JSON(http.StatusOK, HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Pools:   stats,
			Version: "0.1.0",
		})
	}
}
