// Package signer implements symmetric HTTP request signing with
// clock-skew-tolerant verification.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// Header names carried by signed requests.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// DefaultSkew bounds |now - timestamp| during verification.
const DefaultSkew = 5 * time.Minute

// Signer signs and verifies requests under a shared secret.
type Signer struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
	// bearer adds Authorization: Bearer <secret> for counterparts that also
	// check bearer auth.
	bearer bool
}

// Option configures a Signer.
type Option func(*Signer)

// WithSkew overrides the verification skew window.
func WithSkew(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.skew = d
		}
	}
}

// WithBearer also sets Authorization: Bearer <secret> on signed requests.
func WithBearer() Option {
	return func(s *Signer) { s.bearer = true }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New builds a Signer for the shared secret.
func New(secret string, opts ...Option) *Signer {
	s := &Signer{secret: []byte(secret), skew: DefaultSkew, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// canonical builds the string that gets keyed-hashed:
// METHOD\nURL\nTIMESTAMP\nNONCE\nBODY
func canonical(method, url, timestamp, nonce string, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(url)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

func (s *Signer) signature(method, url, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(canonical(method, url, timestamp, nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign sets the signature headers on req. body must equal the bytes that will
// be sent; the caller keeps ownership of the request body itself.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("op=signer.Sign: %w", err)
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	// Canonicalize on path+query: the verifying server never sees the
	// absolute URL the client dialed.
	sig := s.signature(req.Method, req.URL.RequestURI(), ts, nonce, body)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	if s.bearer {
		req.Header.Set("Authorization", "Bearer "+string(s.secret))
	}
	return nil
}

// Verify recomputes the signature for the request and compares it in constant
// time, rejecting timestamps outside the skew window. Nonce replay tracking is
// the caller's responsibility if required.
func (s *Signer) Verify(method, url string, header http.Header, body []byte) error {
	sig := header.Get(HeaderSignature)
	ts := header.Get(HeaderTimestamp)
	nonce := header.Get(HeaderNonce)
	if sig == "" || ts == "" || nonce == "" {
		return fmt.Errorf("op=signer.Verify: missing signature headers: %w", domain.ErrUnauthorized)
	}
	tsMillis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("op=signer.Verify: bad timestamp: %w", domain.ErrUnauthorized)
	}
	age := s.now().Sub(time.UnixMilli(tsMillis))
	if age < 0 {
		age = -age
	}
	if age > s.skew {
		return fmt.Errorf("op=signer.Verify: timestamp outside skew window: %w", domain.ErrUnauthorized)
	}
	want := s.signature(method, url, ts, nonce, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("op=signer.Verify: signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

// newNonce returns a 128-bit random hex string.
func newNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
