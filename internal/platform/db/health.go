package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// StoreCheck describes how to probe the configured store backend.
type StoreCheck struct {
	Backend string
	Ping    func(ctx context.Context) error
	// Details, when set, is attached to the response (pool stats for
	// Postgres).
	Details func() any
}

// PostgresCheck probes a pgx pool and reports its statistics.
func PostgresCheck(pool *pgxpool.Pool) StoreCheck {
	return StoreCheck{
		Backend: "postgres",
		Ping:    pool.Ping,
		Details: func() any { return GetPoolStats(pool) },
	}
}

// HealthHandler serves the store health endpoint: 200 when the backend
// answers within five seconds, 503 otherwise.
func HealthHandler(check StoreCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"backend": check.Backend}
		var err error
		if check.Ping != nil {
			err = check.Ping(ctx)
		}
		if check.Details != nil {
			body["details"] = check.Details()
		}

		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
