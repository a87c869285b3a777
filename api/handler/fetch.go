package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/harvest/fetch"
	"github.com/use-agent/harvest/models"
)

// Fetch returns a handler for POST /api/v1/fetch.
//
// The handler is thin: parse and convert the request, hand it to the
// orchestrator, translate the typed error to an HTTP status.
func Fetch(orc *fetch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.FetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.FetchResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}

		result, err := orc.Fetch(c.Request.Context(), req.URL, req.Options())
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, models.FetchResponse{
			Success: true,
			Result:  result,
		})
	}
}

// respondError maps a FetchError to the correct HTTP status code and writes
// a structured JSON error response.
func respondError(c *gin.Context, err error) {
	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) {
		fetchErr = models.NewFetchError(models.ErrCodeInternal, err.Error(), err)
	}

	c.JSON(mapErrorToStatus(fetchErr), models.FetchResponse{
		Success: false,
		Error:   fetchErr.ToDetail(),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.FetchError) int {
	switch e.Code {
	case models.ErrCodeValidation, models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodePoolTimeout:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeExhausted, models.ErrCodeAdapterFetch:
		return http.StatusBadGateway // 502
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
