package signer

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

const secret = "test-secret"

func signedRequest(t *testing.T, s *Signer, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://worker:8081/jobs?x=1", nil)
	require.NoError(t, s.Sign(req, []byte(body)))
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := New(secret)
	body := `{"type":"product","target_url":"https://shop.example/p/1"}`
	req := signedRequest(t, s, body)

	assert.NotEmpty(t, req.Header.Get(HeaderSignature))
	assert.NotEmpty(t, req.Header.Get(HeaderTimestamp))
	assert.Len(t, req.Header.Get(HeaderNonce), 32)

	err := s.Verify(http.MethodPost, req.URL.RequestURI(), req.Header, []byte(body))
	assert.NoError(t, err)
}

func TestVerifyTamperMatrix(t *testing.T) {
	s := New(secret)
	body := `{"type":"product"}`

	cases := map[string]func(req *http.Request) (method, url string, header http.Header, b []byte){
		"method": func(req *http.Request) (string, string, http.Header, []byte) {
			return http.MethodPut, req.URL.RequestURI(), req.Header, []byte(body)
		},
		"url": func(req *http.Request) (string, string, http.Header, []byte) {
			return http.MethodPost, "/jobs?x=2", req.Header, []byte(body)
		},
		"timestamp": func(req *http.Request) (string, string, http.Header, []byte) {
			h := req.Header.Clone()
			ts, _ := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
			h.Set(HeaderTimestamp, strconv.FormatInt(ts+1, 10))
			return http.MethodPost, req.URL.RequestURI(), h, []byte(body)
		},
		"nonce": func(req *http.Request) (string, string, http.Header, []byte) {
			h := req.Header.Clone()
			h.Set(HeaderNonce, "00000000000000000000000000000000")
			return http.MethodPost, req.URL.RequestURI(), h, []byte(body)
		},
		"body": func(req *http.Request) (string, string, http.Header, []byte) {
			return http.MethodPost, req.URL.RequestURI(), req.Header, []byte(`{"type":"category"}`)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signedRequest(t, s, body)
			method, url, header, b := mutate(req)
			err := s.Verify(method, url, header, b)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	s := New(secret)
	err := s.Verify(http.MethodPost, "/jobs", http.Header{}, nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifySkewWindow(t *testing.T) {
	base := time.Unix(1700000000, 0)
	signClock := func() time.Time { return base }
	s := New(secret, WithClock(signClock))
	body := "payload"
	req := signedRequest(t, s, body)

	// Within the window: ok.
	verifier := New(secret, WithClock(func() time.Time { return base.Add(4 * time.Minute) }))
	assert.NoError(t, verifier.Verify(http.MethodPost, req.URL.RequestURI(), req.Header, []byte(body)))

	// Outside the window, either direction: rejected.
	for _, offset := range []time.Duration{6 * time.Minute, -6 * time.Minute} {
		verifier := New(secret, WithClock(func() time.Time { return base.Add(offset) }))
		err := verifier.Verify(http.MethodPost, req.URL.RequestURI(), req.Header, []byte(body))
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	s := New(secret)
	body := "payload"
	req := signedRequest(t, s, body)
	other := New("different-secret")
	err := other.Verify(http.MethodPost, req.URL.RequestURI(), req.Header, []byte(body))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestWithBearerSetsAuthorization(t *testing.T) {
	s := New(secret, WithBearer())
	req := signedRequest(t, s, "")
	assert.Equal(t, "Bearer "+secret, req.Header.Get("Authorization"))
}

func TestNonceUniquePerRequest(t *testing.T) {
	s := New(secret)
	a := signedRequest(t, s, "")
	b := signedRequest(t, s, "")
	assert.NotEqual(t, a.Header.Get(HeaderNonce), b.Header.Get(HeaderNonce))
}

func TestVerifyErrorIsUnauthorized(t *testing.T) {
	s := New(secret)
	err := s.Verify(http.MethodPost, "/jobs", http.Header{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}
