// Package users resolves verified identities from Google ID tokens
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"xfinite-ocr/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

type Verifier struct {
	redisClient *redis.Client
	wdb         *sql.DB
	audience    string
	log         *zap.SugaredLogger

	// overridable for tests; defaults to idtoken.Validate
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewVerifier(redisClient *redis.Client, wdb *sql.DB, audience string, log *zap.SugaredLogger) *Verifier {
	return &Verifier{
		redisClient: redisClient,
		wdb:         wdb,
		audience:    audience,
		log:         log,
		validate:    idtoken.Validate,
	}
}

// VerifyToken validates the Google ID token, upserts the user row, and caches
// the resolved metadata in redis keyed by the raw token. The cache only
// shortcuts repeated lookups within a request burst; the token expiry itself
// stays well beyond the cache TTL.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata

	cacheKey := fmt.Sprintf("v1:user:idtoken:%s", token)
	if v.redisClient != nil {
		cached, err := v.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			if err := json.Unmarshal([]byte(cached), &userMetadata); err == nil {
				return &userMetadata, nil
			}
			v.log.Errorw("Error unmarshalling user info cache", "error", err)
		}
	}

	payload, err := v.validate(ctx, token, v.audience)
	if err != nil {
		v.log.Warnw("Token verification failed", "error", err)
		return nil, shared.ErrUnauthorized
	}

	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return nil, shared.ErrUnauthorized
	}
	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	userMetadata = shared.UserMetadata{
		Email:   email,
		Name:    name,
		Picture: picture,
	}

	userID, err := v.syncUser(ctx, &userMetadata)
	if err != nil {
		v.log.Errorw("Failed syncing user row", "error", err, "email", email)
		return nil, shared.ErrInternalServerError
	}
	userMetadata.UserID = userID

	if v.redisClient != nil {
		if blob, err := json.Marshal(userMetadata); err == nil {
			if err := v.redisClient.Set(ctx, cacheKey, blob, shared.UserInfoCacheTTL).Err(); err != nil {
				v.log.Warnw("Failed caching user info", "error", err)
			}
		}
	}

	return &userMetadata, nil
}

func (v *Verifier) syncUser(ctx context.Context, u *shared.UserMetadata) (uint64, error) {
	_, err := v.wdb.ExecContext(ctx, `
		INSERT INTO user (email, name, picture)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), picture = VALUES(picture)`,
		u.Email, u.Name, u.Picture,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user: %w", err)
	}

	var id uint64
	err = v.wdb.QueryRowContext(ctx, "SELECT id FROM user WHERE email = ?", u.Email).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read user id: %w", err)
	}
	return id, nil
}
