// Package cache implements the stale-while-revalidate entry cache fronting
// the read API.
package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for a resource prefix and
// its query parameters. Identical parameter sets produce identical keys
// irrespective of insertion order; nil-valued parameters are omitted.
//
// The key is URL-form: prefix:k1=v1&k2=v2 with URL-encoded values.
func Fingerprint(prefix string, params map[string]*string) string {
	if len(params) == 0 {
		return prefix
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return prefix
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(*params[k]))
	}
	return b.String()
}

// Param is a convenience for building fingerprint parameter maps from
// optional values.
func Param(v string) *string { return &v }

// Prefix returns the resource prefix part of a fingerprint key.
func Prefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
