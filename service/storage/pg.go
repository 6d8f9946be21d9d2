package storage

import (
	"context"
	"time"

	"PPRoom/logger"
	"PPRoom/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgConfig 用于初始化 Postgres 连接池
type PgConfig struct {
	DSN      string
	MaxConns int32
}

// NewPgPool 建池并 Ping 一次
func NewPgPool(ctx context.Context, c PgConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		pcfg.MaxConns = c.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "create postgres pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ping postgres")
	}
	logger.Info("postgres connected", zap.String("host", pcfg.ConnConfig.Host), zap.Int32("max_conns", pcfg.MaxConns))
	return pool, nil
}
