// Package admission gates requests against the daily page quota
package admission

import (
	"context"
	"database/sql"
	"time"

	"xfinite-ocr/internal/database"
	"xfinite-ocr/internal/shared"

	"go.uber.org/zap"
)

// Ledger is the durable usage source of truth. Implementations must recompute
// from the persistent log on every call; an in-memory counter would drift
// across process restarts.
type Ledger interface {
	UsedPagesToday(ctx context.Context, email string, day time.Time) (int64, error)
}

type sqlLedger struct {
	readDB *sql.DB
}

func (l *sqlLedger) UsedPagesToday(ctx context.Context, email string, day time.Time) (int64, error) {
	return database.UsedPagesToday(ctx, l.readDB, email, day)
}

// NewSQLLedger reads daily usage from the request log in the read replica.
func NewSQLLedger(readDB *sql.DB) Ledger {
	return &sqlLedger{readDB: readDB}
}

type Controller struct {
	ledger Ledger
	limit  int64
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewController(ledger Ledger, limit int64, log *zap.SugaredLogger) *Controller {
	if limit <= 0 {
		limit = shared.DefaultDailyPageLimit
	}
	return &Controller{
		ledger: ledger,
		limit:  limit,
		log:    log,
		now:    time.Now,
	}
}

func (c *Controller) Limit() int64 { return c.limit }

// Usage reports (used, remaining) for the identity today.
func (c *Controller) Usage(ctx context.Context, email string) (int64, int64, error) {
	used, err := c.ledger.UsedPagesToday(ctx, email, c.now())
	if err != nil {
		return 0, 0, err
	}
	remaining := c.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return used, remaining, nil
}

// Admit accepts or rejects requestedPages for the identity. It never records
// usage itself; usage becomes true only when the completed request is
// persisted, which keeps the check idempotent under retries.
func (c *Controller) Admit(ctx context.Context, email string, requestedPages int64) error {
	used, err := c.ledger.UsedPagesToday(ctx, email, c.now())
	if err != nil {
		return err
	}

	if used+requestedPages > c.limit {
		remaining := c.limit - used
		if remaining < 0 {
			remaining = 0
		}
		c.log.Infow("Quota rejection",
			"email", email,
			"used", used,
			"requested", requestedPages,
			"remaining", remaining,
		)
		return &shared.QuotaExceededError{Remaining: remaining, Requested: requestedPages}
	}
	return nil
}
