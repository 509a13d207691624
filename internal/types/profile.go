package types

import "strings"

// CreatorProfile is one result item flowing through the pipeline.
// Later stages fill in more fields on the same record.
type CreatorProfile struct {
	ID                string  `json:"id"`
	Account           string  `json:"account"`
	ProfileName       string  `json:"profile_name,omitempty"`
	Platform          string  `json:"platform,omitempty"`
	Followers         int     `json:"followers"`
	AvgEngagement     float64 `json:"avg_engagement"`
	Category          string  `json:"category,omitempty"`
	Location          string  `json:"location,omitempty"`
	Biography         string  `json:"biography,omitempty"`
	ProfileURL        string  `json:"profile_url,omitempty"`
	ProfileImageURL   string  `json:"profile_image_url,omitempty"`
	IsVerified        *bool   `json:"is_verified,omitempty"`
	IsBusinessAccount *bool   `json:"is_business_account,omitempty"`
	SearchScore       float64 `json:"search_score,omitempty"`
	ScoreMode         string  `json:"score_mode,omitempty"`
	MatchedQuery      string  `json:"matched_query,omitempty"`

	// Set by ENRICH.
	Posts         []string `json:"posts,omitempty"`
	BusinessEmail string   `json:"business_email,omitempty"`
	Enriched      bool     `json:"enriched,omitempty"`
	EnrichError   string   `json:"enrich_error,omitempty"`

	// Set by SCORE.
	FitScore     *int   `json:"fit_score,omitempty"`
	FitRationale string `json:"fit_rationale,omitempty"`
	FitError     string `json:"fit_error,omitempty"`
}

// Key returns the normalized identity used to match a profile across stages.
func (p *CreatorProfile) Key() string {
	if p.Account != "" {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p.Account), "@"))
	}
	return strings.ToLower(strings.TrimSpace(p.ID))
}
