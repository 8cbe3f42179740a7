package shared

import (
	"fmt"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
)

func SafeEnv(env string) (string, error) {
	// Lookup env variable, and error if not present
	res, present := os.LookupEnv(env)
	if !present {
		return "", fmt.Errorf("missing environment variable %s", env)
	}
	return res, nil
}

func GetEnv(env, fallback string) string {
	if value, ok := os.LookupEnv(env); ok {
		return value
	}
	return fallback
}

// ExtractBearerToken pulls the bearer token out of the Authorization header.
// The token itself is an opaque Google ID token; validation happens in users.
func ExtractBearerToken(c echo.Context) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}

	return parts[1], nil
}

// UserSlug converts an email into a filesystem-safe directory component.
func UserSlug(email string) string {
	r := strings.NewReplacer("@", "_", ".", "_")
	return r.Replace(email)
}

// SafeFileName strips characters that do not survive round trips through the
// file store and static serving.
func SafeFileName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}
