package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("products", map[string]*string{
		"categoryId": Param("c-1"),
		"limit":      Param("20"),
		"offset":     Param("40"),
	})
	b := Fingerprint("products", map[string]*string{
		"offset":     Param("40"),
		"limit":      Param("20"),
		"categoryId": Param("c-1"),
	})
	assert.Equal(t, a, b)
	assert.Equal(t, "products:categoryId=c-1&limit=20&offset=40", a)
}

func TestFingerprintOmitsNilParams(t *testing.T) {
	key := Fingerprint("categories", map[string]*string{
		"navId":  nil,
		"limit":  Param("20"),
		"offset": Param("0"),
	})
	assert.Equal(t, "categories:limit=20&offset=0", key)
}

func TestFingerprintNoParams(t *testing.T) {
	assert.Equal(t, "navigation", Fingerprint("navigation", nil))
	assert.Equal(t, "navigation", Fingerprint("navigation", map[string]*string{"x": nil}))
}

func TestFingerprintEscapesValues(t *testing.T) {
	key := Fingerprint("products", map[string]*string{"q": Param("a b&c=d")})
	assert.Equal(t, "products:q=a+b%26c%3Dd", key)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "products", Prefix("products:limit=20"))
	assert.Equal(t, "navigation", Prefix("navigation"))
}
