package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Search methods accepted by the vector search service.
const (
	SearchMethodLexical  = "lexical"
	SearchMethodSemantic = "semantic"
	SearchMethodHybrid   = "hybrid"
)

// Request defaults.
const (
	DefaultSearchLimit = 20
	DefaultMaxPosts    = 6
	DefaultVerbosity   = "medium"
	DefaultConcurrency = 64
)

// SearchParams holds the search query and its optional filters.
type SearchParams struct {
	Query             string   `json:"query" validate:"required,min=1"`
	Method            string   `json:"method,omitempty" validate:"omitempty,oneof=lexical semantic hybrid"`
	Limit             int      `json:"limit,omitempty" validate:"omitempty,min=1,max=50000"`
	MinFollowers      *int     `json:"min_followers,omitempty" validate:"omitempty,min=0"`
	MaxFollowers      *int     `json:"max_followers,omitempty" validate:"omitempty,min=0"`
	MinEngagement     *float64 `json:"min_engagement,omitempty" validate:"omitempty,min=0"`
	MaxEngagement     *float64 `json:"max_engagement,omitempty" validate:"omitempty,min=0"`
	Location          string   `json:"location,omitempty"`
	Category          string   `json:"category,omitempty"`
	IsVerified        *bool    `json:"is_verified,omitempty"`
	IsBusinessAccount *bool    `json:"is_business_account,omitempty"`
}

// RunRequest is the body accepted when creating a pipeline run.
type RunRequest struct {
	Search           SearchParams `json:"search"`
	BusinessFitQuery string       `json:"business_fit_query" validate:"required,min=1"`
	MaxProfiles      int          `json:"max_profiles,omitempty" validate:"omitempty,min=1,max=50000"`
	MaxPosts         int          `json:"max_posts,omitempty" validate:"omitempty,min=1,max=20"`
	Model            string       `json:"model,omitempty"`
	Verbosity        string       `json:"verbosity,omitempty" validate:"omitempty,oneof=low medium high"`
	Concurrency      int          `json:"concurrency,omitempty" validate:"omitempty,min=1,max=64"`
	DebugMode        bool         `json:"debug_mode,omitempty"`
	StopAtStage      string       `json:"stop_at_stage,omitempty"`
	CampaignID       string       `json:"campaign_id,omitempty"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed run-creation requests.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Validate checks the request and returns a *ValidationError describing every problem.
func (r *RunRequest) Validate() error {
	var fieldErrs []FieldError

	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fieldPath(fe.Namespace()),
				Message: describeTag(fe),
			})
		}
	}

	s := r.Search
	if s.MinFollowers != nil && s.MaxFollowers != nil && *s.MinFollowers > *s.MaxFollowers {
		fieldErrs = append(fieldErrs, FieldError{Field: "search.min_followers", Message: "must not exceed max_followers"})
	}
	if s.MinEngagement != nil && s.MaxEngagement != nil && *s.MinEngagement > *s.MaxEngagement {
		fieldErrs = append(fieldErrs, FieldError{Field: "search.min_engagement", Message: "must not exceed max_engagement"})
	}
	if s.Query != "" && strings.TrimSpace(s.Query) == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "search.query", Message: "must not be blank"})
	}
	if r.StopAtStage != "" {
		if _, err := ParseStage(r.StopAtStage); err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: "stop_at_stage", Message: err.Error()})
		}
	}

	if len(fieldErrs) > 0 {
		return &ValidationError{Errors: fieldErrs}
	}
	return nil
}

// ApplyDefaults fills unset optional fields.
func (r *RunRequest) ApplyDefaults() {
	if r.Search.Method == "" {
		r.Search.Method = SearchMethodHybrid
	}
	if r.Search.Limit == 0 {
		r.Search.Limit = DefaultSearchLimit
	}
	if r.MaxProfiles == 0 {
		r.MaxProfiles = r.Search.Limit
	}
	if r.MaxPosts == 0 {
		r.MaxPosts = DefaultMaxPosts
	}
	if r.Verbosity == "" {
		r.Verbosity = DefaultVerbosity
	}
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
}

// StopStage returns the parsed stop_at_stage, or nil when unset.
func (r *RunRequest) StopStage() *Stage {
	if r.StopAtStage == "" {
		return nil
	}
	s, err := ParseStage(r.StopAtStage)
	if err != nil {
		return nil
	}
	return &s
}

// fieldPath turns "RunRequest.Search.Query" into "search.query".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
