package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// Service reports whether the backing stores answer.
type Service struct {
	DB    *sql.DB
	Redis redis.Cmdable
}

// NewService constructs a health service. Nil dependencies are skipped.
func NewService(db *sql.DB, rdb redis.Cmdable) *Service {
	return &Service{DB: db, Redis: rdb}
}

// Status pings each configured store. ok is false when any check fails.
func (s *Service) Status(ctx context.Context) (bool, map[string]string) {
	checks := map[string]string{}
	ok := true
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if s.DB != nil {
		if err := s.DB.PingContext(ctx); err != nil {
			checks["database"] = "down"
			ok = false
		} else {
			checks["database"] = "up"
		}
	} else {
		checks["database"] = "memory"
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			ok = false
		} else {
			checks["redis"] = "up"
		}
	}
	return ok, checks
}
