package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 3 * time.Second

// Pinger is the part of a pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health is the body of /health/db.
type Health struct {
	Status  string     `json:"status"`
	Journal string     `json:"journal"`
	Latency string     `json:"latency,omitempty"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
		AcquireCount:  s.AcquireCount(),
		AcquireWait:   s.AcquireDuration().String(),
	}
}

// Check pings the journal database. A nil p means the journal is kept in
// memory, which is a supported mode rather than a failure.
func Check(ctx context.Context, p Pinger) Health {
	if p == nil {
		return Health{Status: "disabled", Journal: "memory"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	began := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Health{Status: "unhealthy", Journal: "postgres", Error: err.Error()}
	}
	return Health{Status: "healthy", Journal: "postgres", Latency: time.Since(began).String()}
}

// HealthHandler serves /health/db. pool may be nil.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		var h Health
		if pool == nil {
			h = Check(c.Request().Context(), nil)
		} else {
			h = Check(c.Request().Context(), pool)
			h.Pool = poolStats(pool)
		}
		if h.Status == "unhealthy" {
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		return c.JSON(http.StatusOK, h)
	}
}
