package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvest/cache"
	"github.com/use-agent/harvest/pool"
	"github.com/use-agent/harvest/router"
)

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Cache    cache.Stats       `json:"cache"`
	Pools    []pool.Stats      `json:"pools"`
	Breakers map[string]string `json:"breakers"`
}

// Stats returns a handler for GET /api/v1/stats: cache counters, pool
// sizes and per-adapter breaker states.
func Stats(cc *cache.Cache, rt *router.Router, pools func() []pool.Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, StatsResponse{
			Cache:    cc.Stats(),
			Pools:    pools(),
			Breakers: rt.States(),
		})
	}
}

// ClearCache returns a handler for DELETE /api/v1/cache.
func ClearCache(cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		cc.Clear()
		c.Status(http.StatusNoContent)
	}
}
