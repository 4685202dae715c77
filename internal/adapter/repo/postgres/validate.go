package postgres

import (
	"net/url"
	"strings"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// Validation helpers shared by the repositories. Validation failures are fatal
// to the call and never retried; transport failures are wrapped as
// DatabaseError by the callers.

func validSourceURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateNavigation(n domain.NavigationNode) error {
	if strings.TrimSpace(n.Title) == "" {
		return domain.NewValidationError("title", "must not be empty")
	}
	if !validSourceURL(n.SourceURL) {
		return domain.NewValidationError("source_url", "must be an absolute http(s) URL")
	}
	return nil
}

func validateCategory(c domain.Category) error {
	if strings.TrimSpace(c.Title) == "" {
		return domain.NewValidationError("title", "must not be empty")
	}
	if !validSourceURL(c.SourceURL) {
		return domain.NewValidationError("source_url", "must be an absolute http(s) URL")
	}
	return nil
}

func validateProduct(p domain.Product) error {
	if strings.TrimSpace(p.Title) == "" {
		return domain.NewValidationError("title", "must not be empty")
	}
	if !validSourceURL(p.SourceURL) {
		return domain.NewValidationError("source_url", "must be an absolute http(s) URL")
	}
	if p.Price != nil && *p.Price < 0 {
		return domain.NewValidationError("price", "must not be negative")
	}
	if p.Currency != "" && len(p.Currency) != 3 {
		return domain.NewValidationError("currency", "must be a 3-letter ISO-4217 code")
	}
	return nil
}
