package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	AdminSecretHeader = "X-Admin-Secret"
	// SubjectKey holds the authenticated subject in the echo context: the admin
	// id for token logins, "secret" for the shared secret.
	SubjectKey = "admin_subject"
)

// AdminMiddleware accepts the X-Admin-Secret header, the shared secret as a
// bearer value, or a bearer JWT with role admin.
func (s *Service) AdminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret := c.Request().Header.Get(AdminSecretHeader); secret != "" {
				if !s.secretMatches(secret) {
					return echo.NewHTTPError(http.StatusUnauthorized, "Invalid admin secret")
				}
				c.Set(SubjectKey, "secret")
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
			}
			value := strings.TrimSpace(parts[1])

			if s.secretMatches(value) {
				c.Set(SubjectKey, "secret")
				return next(c)
			}

			claims, err := s.ParseToken(value)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}
			c.Set(SubjectKey, claims.Subject)
			return next(c)
		}
	}
}

func (s *Service) secretMatches(v string) bool {
	if s.adminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v), []byte(s.adminSecret)) == 1
}

// SubjectFromContext returns who passed the admin middleware.
func SubjectFromContext(c echo.Context) (string, error) {
	sub, ok := c.Get(SubjectKey).(string)
	if !ok || sub == "" {
		return "", errors.New("admin subject not found in context")
	}
	return sub, nil
}
