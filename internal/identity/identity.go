// Package identity adapts the external identity/authorization service.
// The coordinator only consumes token validation; issuing tokens is the
// identity service's job. Verification happens on every call — validity
// is never cached beyond a single request.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/dkeye/Conclave/internal/core"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrStaleToken   = errors.New("identity token not freshly issued")
)

// JWTVerifier validates bearer tokens with either a shared HS256 key or
// a JWKS endpoint. MaxTokenAge bounds how old a token's iat may be;
// reconnects must present a freshly issued token, not a long-lived one.
type JWTVerifier struct {
	HS256Key    []byte
	JWKSURL     string
	Issuer      string
	MaxTokenAge time.Duration
}

var _ core.IdentityVerifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(ctx context.Context, token string) (core.Identity, error) {
	opts := []jwt.ParseOption{jwt.WithContext(ctx)}
	switch {
	case len(v.HS256Key) > 0:
		if len(v.HS256Key) < 256/8 {
			return core.Identity{}, errors.New("refusing to verify, key must be at least 256 bits long")
		}
		opts = append(opts, jwt.WithKey(jwa.HS256(), v.HS256Key))
	case v.JWKSURL != "":
		set, err := jwk.Fetch(ctx, v.JWKSURL)
		if err != nil {
			return core.Identity{}, fmt.Errorf("fetching JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(set))
	default:
		return core.Identity{}, errors.New("verifier has no key material")
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, ok := tok.Subject()
	if !ok || sub == "" {
		return core.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	exp, ok := tok.Expiration()
	if !ok {
		return core.Identity{}, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	iat, ok := tok.IssuedAt()
	if !ok {
		return core.Identity{}, fmt.Errorf("%w: missing iat", ErrInvalidToken)
	}
	if v.MaxTokenAge > 0 && time.Since(iat) > v.MaxTokenAge {
		return core.Identity{}, ErrStaleToken
	}

	id := core.Identity{
		Subject:  sub,
		IssuedAt: iat,
		Expiry:   exp,
	}
	var scope string
	if err := tok.Get("scope", &scope); err == nil && scope != "" {
		id.Scopes = strings.Fields(scope)
	}
	return id, nil
}
