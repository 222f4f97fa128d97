package credstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether the stored bearer token is a JWT whose
// expiry has already passed. The signature is not verified; the server
// remains the authority, this only lets the session fail fast with an
// auth rejection instead of dialing with a dead token. Tokens that are
// not parseable JWTs, or carry no expiry, are treated as not expired.
func TokenExpired(token string, now time.Time) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.After(exp.Time)
}
