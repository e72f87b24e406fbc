package escrow

import (
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowchain/crypto"
)

// MintToken issues an HS256 caller token whose subject is the caller account.
// It is intended for development setups sharing the node's secret.
func MintToken(secret []byte, caller [20]byte, issuer, audience string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("escrow client: token secret required")
	}
	if caller == ([20]byte{}) {
		return "", crypto.ErrZeroAccount
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": crypto.FormatAccount(caller),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		claims["iss"] = issuer
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("escrow client: sign token: %w", err)
	}
	return signed, nil
}
