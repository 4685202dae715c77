package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestValidSourceURL(t *testing.T) {
	cases := map[string]bool{
		"https://shop.example/product/1": true,
		"http://shop.example":            true,
		"ftp://shop.example/file":        false,
		"/relative/path":                 false,
		"not a url at all ::":            false,
		"":                               false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, validSourceURL(raw), raw)
	}
}

func TestValidateNavigation(t *testing.T) {
	ok := domain.NavigationNode{Title: "Electronics", SourceURL: "https://s/e"}
	assert.NoError(t, validateNavigation(ok))

	assert.ErrorIs(t, validateNavigation(domain.NavigationNode{SourceURL: "https://s/e"}), domain.ErrInvalidArgument)
	assert.ErrorIs(t, validateNavigation(domain.NavigationNode{Title: "  ", SourceURL: "https://s/e"}), domain.ErrInvalidArgument)
	assert.ErrorIs(t, validateNavigation(domain.NavigationNode{Title: "E", SourceURL: "/rel"}), domain.ErrInvalidArgument)
}

func TestValidateProduct(t *testing.T) {
	base := domain.Product{Title: "Phone A", SourceURL: "https://s/product/1"}
	assert.NoError(t, validateProduct(base))

	neg := base
	neg.Price = ptr(-1.0)
	assert.ErrorIs(t, validateProduct(neg), domain.ErrInvalidArgument)

	badCur := base
	badCur.Currency = "EURO"
	assert.ErrorIs(t, validateProduct(badCur), domain.ErrInvalidArgument)

	okCur := base
	okCur.Currency = "EUR"
	okCur.Price = ptr(499.90)
	assert.NoError(t, validateProduct(okCur))

	var vErr *domain.ValidationError
	err := validateProduct(domain.Product{Title: "x", SourceURL: "bad"})
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "source_url", vErr.Field)
}
