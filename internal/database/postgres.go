package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/config"
)

type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *logrus.Logger
}

// DSN builds a keyword/value connection string from cfg.
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode,
	)
}

func NewPostgresConnection(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"dbname": cfg.DBName,
	}).Info("Successfully connected to PostgreSQL")

	return &PostgresDB{Pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		if db.logger != nil {
			db.logger.Info("PostgreSQL connection closed")
		}
	}
}

func (db *PostgresDB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return errors.New("postgres pool is nil")
	}
	return db.Pool.Ping(ctx)
}
