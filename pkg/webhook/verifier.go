package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// Claims are the identity token fields the gate acts on.
type Claims struct {
	Issuer   string
	Subject  string
	Email    string
	Audience []string
}

// Identity returns the email claim, falling back to the subject.
func (c Claims) Identity() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// Verifier checks token signatures and expiry against a KeySource.
type Verifier struct {
	keys KeySource
	skew time.Duration
	now  func() time.Time
}

// NewVerifier creates a verifier. skew is the tolerated clock drift.
func NewVerifier(keys KeySource, skew time.Duration) *Verifier {
	return &Verifier{keys: keys, skew: skew, now: time.Now}
}

// Verify parses raw, validates its signature and time claims and returns the
// claims. Audience, issuer and identity are checked by the Gate.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	set, err := v.keys.Keys(ctx)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claimsOf(tok), nil
}

// PeekClaims decodes raw without verifying it. Only for audit logging.
func PeekClaims(raw string) (Claims, bool) {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return Claims{}, false
	}
	return claimsOf(tok), true
}

func claimsOf(tok jwt.Token) Claims {
	var c Claims
	c.Issuer, _ = tok.Issuer()
	c.Subject, _ = tok.Subject()
	c.Audience, _ = tok.Audience()
	var email string
	if err := tok.Get("email", &email); err == nil {
		c.Email = email
	}
	return c
}

// AudienceMatches compares audiences ignoring a trailing slash.
func AudienceMatches(claimed []string, expected string) bool {
	want := strings.TrimRight(expected, "/")
	for _, aud := range claimed {
		if strings.TrimRight(aud, "/") == want {
			return true
		}
	}
	return false
}
