package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/physiobook/physiobook/libs/auth"
)

// Verifier checks bearer tokens on the authenticated endpoints. With a
// JWKS endpoint configured, RS256 tokens from an external identity
// provider are accepted alongside locally issued HS256 tokens.
type Verifier struct {
	secret string
	jwks   *auth.JWKSClient
}

func NewVerifier(secret string, jwksURL string, jwksTTL time.Duration) *Verifier {
	v := &Verifier{secret: secret}
	if strings.TrimSpace(jwksURL) != "" {
		v.jwks = auth.NewJWKSClient(jwksURL, jwksTTL)
	}
	return v
}

func (v *Verifier) Claims(r *http.Request) (*auth.Claims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, auth.ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	if v.jwks != nil {
		hdr, err := auth.ParseHeader(token)
		if err != nil {
			return nil, err
		}
		if hdr.Alg == "RS256" && hdr.Kid != "" {
			pub, err := v.jwks.Get(hdr.Kid)
			if err != nil {
				return nil, err
			}
			return auth.VerifyRS256(token, pub)
		}
	}

	return auth.ParseAndVerifyHS256(token, v.secret)
}
