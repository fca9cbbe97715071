// Package middleware contains reusable HTTP middleware: bearer token
// authentication, a Redis token bucket rate limiter and a response
// cache for the read-only availability endpoints.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const holderIDKey = "holder_id"

// JWTAuth returns an Echo middleware that validates a Bearer access
// token and injects the token's subject as the holder id into the
// request context.  The provided secret must match the one used when
// issuing tokens.  Handlers read the authenticated holder via
// HolderID(c).
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}

			holderID, ok := subjectID(claims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid subject"})
			}
			c.Set(holderIDKey, holderID)
			return next(c)
		}
	}
}

// HolderID returns the authenticated holder id stored by JWTAuth, or
// zero when the request is unauthenticated.
func HolderID(c echo.Context) uint64 {
	if v, ok := c.Get(holderIDKey).(uint64); ok {
		return v
	}
	return 0
}

// subjectID extracts a numeric holder id from the sub claim.  Tokens
// carry the subject either as a string or a JSON number.
func subjectID(claims jwt.MapClaims) (uint64, bool) {
	switch v := claims["sub"].(type) {
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
