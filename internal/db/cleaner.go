package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartExpiredSessionCleaner periodically deletes sessions whose access
// token expired more than retention ago, and expired authorization codes.
func StartExpiredSessionCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanExpired(ctx, db, time.Now(), retention, log)
			}
		}
	}()
}

func cleanExpired(ctx context.Context, db *sql.DB, now time.Time, retention time.Duration, log *zap.Logger) {
	res, err := db.ExecContext(ctx, `
        DELETE FROM sessions
         WHERE expires_at < $1
    `, now.Add(-retention))
	if err != nil {
		log.Error("failed to clean expired sessions", zap.Error(err))
		return
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		log.Info("cleaned expired sessions", zap.Int64("removed", rows))
	}

	res, err = db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at < $1`, now)
	if err != nil {
		log.Error("failed to clean expired authorization codes", zap.Error(err))
		return
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		log.Info("cleaned expired authorization codes", zap.Int64("removed", rows))
	}
}
