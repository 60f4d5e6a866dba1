package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// UsernameKey is the context key holding the authenticated buyer.
const UsernameKey = "username"

// JWTAuth validates an HS256 Bearer token issued by the account service and
// stores its username claim (or the subject) under UsernameKey.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			name := username(claims)
			if name == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			c.Set(UsernameKey, name)
			return next(c)
		}
	}
}

func username(claims jwt.MapClaims) string {
	if v, ok := claims["username"].(string); ok && v != "" {
		return v
	}
	sub, _ := claims.GetSubject()
	return sub
}

// Username returns the buyer stored by JWTAuth, or "" for anonymous requests.
func Username(c echo.Context) string {
	v, _ := c.Get(UsernameKey).(string)
	return v
}
