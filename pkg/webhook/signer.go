package webhook

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// SignerConfig describes the service identity a Signer asserts.
type SignerConfig struct {
	Issuer string
	// Identity becomes both the sub and email claims.
	Identity string
	TTL      time.Duration
}

// Signer mints RS256 identity tokens for in-process push backends.
type Signer struct {
	key jwk.Key
	cfg SignerConfig
	now func() time.Time
}

// NewSigner creates a signer for an RSA private key. The key gets a kid and
// alg if it has none so verifiers can select it from a JWKS.
func NewSigner(key jwk.Key, cfg SignerConfig) (*Signer, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if _, ok := key.KeyID(); !ok {
		if err := key.Set(jwk.KeyIDKey, uuid.NewString()); err != nil {
			return nil, fmt.Errorf("set key id: %w", err)
		}
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, fmt.Errorf("set key algorithm: %w", err)
	}
	return &Signer{key: key, cfg: cfg, now: time.Now}, nil
}

// LoadSigner reads a PEM or JWK encoded RSA private key from path.
func LoadSigner(path string, cfg SignerConfig) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		key, err = jwk.ParseKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse signing key %s: %w", path, err)
		}
	}
	return NewSigner(key, cfg)
}

// NewEphemeralSigner generates a throwaway RSA key. It is used in
// single-binary mode where the process both mints and verifies tokens.
func NewEphemeralSigner(cfg SignerConfig) (*Signer, error) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	key, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("import signing key: %w", err)
	}
	return NewSigner(key, cfg)
}

// Mint returns a signed token for audience.
func (s *Signer) Mint(audience string) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Subject(s.cfg.Identity).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(now.Add(s.cfg.TTL)).
		Claim("email", s.cfg.Identity).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256(), s.key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// PublicKeys returns a JWKS containing the signer's public key.
func (s *Signer) PublicKeys() (jwk.Set, error) {
	pub, err := jwk.PublicKeyOf(s.key)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, fmt.Errorf("add public key: %w", err)
	}
	return set, nil
}
