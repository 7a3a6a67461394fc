package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DecodeJWTPayload 解码 JWT 中段载荷（不校验签名）
// Returns nil on any structural or decode failure.
func DecodeJWTPayload(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

// IsTokenExpired reports whether the token expires within the given buffer.
// Undecodable payloads and payloads without exp count as expired.
func IsTokenExpired(token string, buffer time.Duration) bool {
	claims := DecodeJWTPayload(token)
	if claims == nil {
		return true
	}
	expVal, ok := claims["exp"]
	if !ok {
		return true
	}
	var exp float64
	switch v := expVal.(type) {
	case float64:
		exp = v
	case int64:
		exp = float64(v)
	default:
		return true
	}
	return exp-float64(time.Now().Unix()) <= buffer.Seconds()
}

// TokenRemaining returns the time until expiry, or zero when the token is
// undecodable or already expired.
func TokenRemaining(token string) time.Duration {
	claims := DecodeJWTPayload(token)
	if claims == nil {
		return 0
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return 0
	}
	remaining := time.Until(time.Unix(int64(exp), 0))
	if remaining < 0 {
		return 0
	}
	return remaining
}
