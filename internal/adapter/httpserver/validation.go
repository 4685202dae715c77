package httpserver

import (
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// parseLimit bounds limit to [1, 100], defaulting when absent.
func parseLimit(q url.Values) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, domain.NewValidationError("limit", "must be an integer between 1 and 100")
	}
	return n, nil
}

// parseOffset requires a non-negative integer, defaulting to 0.
func parseOffset(q url.Values) (int, error) {
	raw := q.Get("offset")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError("offset", "must be a non-negative integer")
	}
	return n, nil
}

// parseSort validates the sort parameter against the supported orderings.
func parseSort(q url.Values) (domain.ProductSort, error) {
	raw := q.Get("sort")
	if raw == "" {
		return domain.SortCreatedAtDesc, nil
	}
	s := domain.ProductSort(raw)
	if !domain.ValidProductSort(s) {
		return "", domain.NewValidationError("sort", "must be one of title_asc, title_desc, price_asc, price_desc, created_at_desc")
	}
	return s, nil
}

// parseUUIDParam validates an optional UUID-shaped query parameter, returning
// nil when absent.
func parseUUIDParam(q url.Values, name string) (*string, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	if _, err := uuid.Parse(raw); err != nil {
		return nil, domain.NewValidationError(name, "must be a UUID")
	}
	return &raw, nil
}

// requireUUID validates a mandatory UUID path parameter.
func requireUUID(name, raw string) (string, error) {
	if _, err := uuid.Parse(raw); err != nil {
		return "", domain.NewValidationError(name, "must be a UUID")
	}
	return raw, nil
}
