// Package auth provides the JWT implementation of domain.TokenVerifier.
// Token issuance belongs to the panel backend; this service only verifies.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vpnpanel/realtime/internal/domain"
)

// JWTVerifier verifies HMAC-signed bearer tokens issued by the panel.
type JWTVerifier struct {
	secret []byte
}

var _ domain.TokenVerifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the identity it encodes.
func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return domain.Identity{}, fmt.Errorf("token is not valid")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return domain.Identity{}, fmt.Errorf("token has no subject")
	}

	admin, _ := claims["admin"].(bool)

	return domain.Identity{UserID: subject, Admin: admin}, nil
}
