package models

// ProfileResponse is the body for POST /api/v1/profile.
type ProfileResponse struct {
	Success bool           `json:"success"`
	Record  *ProfileRecord `json:"record,omitempty"`
	Error   *ErrorDetail   `json:"error,omitempty"`

	// CacheStatus is "hit" or "miss" when caching was requested, empty otherwise.
	CacheStatus string `json:"cache_status,omitempty"`

	// ElapsedMs is the server-side processing time in milliseconds.
	ElapsedMs int64 `json:"elapsed_ms"`
}

// HealthResponse is the body for GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"` // "healthy" or "degraded"
	Uptime         string `json:"uptime"`
	ActiveFetches  int    `json:"active_fetches"`
	MaxConcurrency int    `json:"max_concurrency"`
	Version        string `json:"version"`
}
