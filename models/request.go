package models

// ProfileRequest is the payload for POST /api/v1/profile.
type ProfileRequest struct {
	// URL is the profile page to scrape. Required.
	URL string `json:"url" binding:"required,url"`

	// Timeout is the maximum duration in seconds for the entire scrape
	// (all attempts, candidates, and backoffs).
	// Default: 120. Max: 600.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=600"`

	// MaxAge enables the response cache: a cached record younger than
	// MaxAge milliseconds is returned without scraping. 0 disables caching.
	MaxAge int `json:"max_age,omitempty" binding:"omitempty,min=0"`
}

// Defaults applies default values to unset fields.
func (r *ProfileRequest) Defaults() {
	if r.Timeout == 0 {
		r.Timeout = 120
	}
}
