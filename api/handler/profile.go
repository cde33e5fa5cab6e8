package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/advprof/cache"
	"github.com/use-agent/advprof/models"
	"github.com/use-agent/advprof/scrape"
)

// Profile returns a handler for POST /api/v1/profile.
//
// Flow:
//  1. Parse & validate request, apply defaults.
//  2. Cache lookup when the request opts in via max_age.
//  3. Gated scrape with the per-request timeout.
//  4. Cache store and respond.
func Profile(runner *scrape.Runner, cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req models.ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ProfileResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		req.Defaults()

		cacheKey := cache.Key(req.URL)
		if cc != nil && req.MaxAge > 0 {
			if cached, hit := cc.Get(cacheKey, req.MaxAge); hit {
				c.JSON(http.StatusOK, models.ProfileResponse{
					Success:     true,
					Record:      cached,
					CacheStatus: "hit",
					ElapsedMs:   time.Since(start).Milliseconds(),
				})
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(req.Timeout)*time.Second)
		defer cancel()

		rec, err := runner.ScrapeOne(ctx, req.URL)
		if err != nil {
			respondError(c, err, time.Since(start).Milliseconds())
			return
		}

		resp := models.ProfileResponse{
			Success:   true,
			Record:    rec,
			ElapsedMs: time.Since(start).Milliseconds(),
		}
		if cc != nil && req.MaxAge > 0 {
			cc.Set(cacheKey, rec)
			resp.CacheStatus = "miss"
		}

		c.JSON(http.StatusOK, resp)
	}
}

// respondError maps a ScrapeError to the correct HTTP status code and writes
// a structured JSON error response.
func respondError(c *gin.Context, err error, elapsedMs int64) {
	scrapeErr := models.AsScrapeError(err)

	c.JSON(mapErrorToStatus(scrapeErr), models.ProfileResponse{
		Success:   false,
		Error:     scrapeErr.ToDetail(),
		ElapsedMs: elapsedMs,
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.ScrapeError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeExhausted:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
