package middleware

import (
	"database/sql"

	"xfinite-ocr/internal/ctx"
	"xfinite-ocr/internal/shared"
	"xfinite-ocr/internal/users"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type UserMiddleware struct {
	verifier *users.Verifier
}

func NewUserMiddleware(redisClient *redis.Client, wdb *sql.DB, audience string, log *zap.SugaredLogger) *UserMiddleware {
	return &UserMiddleware{
		verifier: users.NewVerifier(redisClient, wdb, audience, log),
	}
}

// ExtractUser resolves the bearer token into user metadata when present.
// Routes that can serve anonymous traffic still run; RequireUser gates the rest.
func (um *UserMiddleware) ExtractUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.User = nil

		token, err := shared.ExtractBearerToken(c)
		if err != nil {
			return next(c)
		}
		user, err := um.verifier.VerifyToken(c.Request().Context(), token)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		c.User = user
		c.Log = c.Log.With("user_id", c.User.UserID)
		c.LogValues.UserID = user.UserID
		c.LogValues.Email = user.Email
		return next(c)
	}
}

func (um *UserMiddleware) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return c.String(401, "unauthorized")
		}
		return next(c)
	}
}
