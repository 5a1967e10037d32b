// Package app wires configuration into a ready RagService with its optional mirrors.
// Both binaries start from here.
package app

import (
	"context"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/api/handlers"
	"github.com/irfndi/coin-rag/internal/cache"
	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/database"
	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/irfndi/coin-rag/internal/metrics"
	"github.com/irfndi/coin-rag/internal/ml"
	"github.com/irfndi/coin-rag/internal/services"
	"github.com/irfndi/coin-rag/internal/telemetry"
)

// App holds the long-lived components of one process.
type App struct {
	Config   *config.Config
	Logger   *logging.StandardLogger
	Logrus   *logrus.Logger
	Metrics  *metrics.MetricsCollector
	Service  *services.RagService
	Postgres *database.PostgresDB
	Redis    *database.RedisClient
	Mirrors  []services.IndexMirror

	// Leaderboard and Snapshots are the connected mirrors, kept for reading back.
	Leaderboard *cache.LeaderboardCache
	Snapshots   *database.SnapshotRepository
}

// Option customizes New.
type Option func(*options)

type options struct {
	loader   ml.Loader
	logger   *logrus.Logger
	readOnly bool
}

// WithModelLoader replaces the ONNX loader.
func WithModelLoader(l ml.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithLogrus replaces the service logger.
func WithLogrus(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReadOnly connects the mirrors for reading only. The service writes no
// snapshot log, artifacts or mirror updates.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// TelemetryConfig maps the config section onto the telemetry package.
func TelemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	return telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		SentryDSN:      cfg.Telemetry.SentryDSN,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Environment,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
}

// NewStandardLogger returns the slog-based logger, exporting over OTLP when configured.
func NewStandardLogger(cfg *config.Config) *logging.StandardLogger {
	if cfg.Telemetry.Enabled && cfg.Telemetry.OTLPEndpoint != "" && cfg.Telemetry.OTLPEndpoint != telemetry.StdoutEndpoint {
		return logging.NewStandardOTLPLogger(logging.OTLPConfig{
			Enabled:        true,
			Endpoint:       otlpHost(cfg.Telemetry.OTLPEndpoint),
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Environment,
			LogLevel:       cfg.LogLevel,
		})
	}
	return logging.NewStandardLogger(cfg.LogLevel, cfg.Environment)
}

// New connects the enabled mirrors and builds the service. Mirror connection
// failures are logged and the mirror is left out; the index never depends on them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{loader: ml.ONNXLoader{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: NewStandardLogger(cfg)}
	a.Logrus = o.logger
	if a.Logrus == nil {
		a.Logrus = logging.NewLogrusLogger(cfg.LogLevel)
	}
	a.Metrics = metrics.NewMetricsCollector(a.Logger, cfg.Telemetry.ServiceName)
	log := a.Logger.WithComponent("app")

	if cfg.Redis.Enabled {
		rc, err := database.NewRedisConnection(cfg.Redis, a.Logrus)
		if err != nil {
			log.Warn("Redis mirror disabled", "error", err.Error())
		} else {
			a.Redis = rc
			ttl := config.Duration(cfg.Redis.TTL, 24*time.Hour)
			a.Leaderboard = cache.NewLeaderboardCache(rc.Client, ttl, a.Logrus)
			a.Mirrors = append(a.Mirrors, a.Leaderboard)
		}
	}

	if cfg.Database.Enabled {
		db, err := database.NewPostgresConnection(ctx, cfg.Database, a.Logrus)
		if err != nil {
			log.Warn("Postgres mirror disabled", "error", err.Error())
		} else {
			repo := database.NewSnapshotRepository(database.NewTracedPool(db.Pool, nil), a.Logrus)
			if err := repo.EnsureSchema(ctx); err != nil {
				log.Warn("Postgres mirror disabled", "error", err.Error())
				db.Close()
			} else {
				a.Postgres = db
				a.Snapshots = repo
				a.Mirrors = append(a.Mirrors, repo)
			}
		}
	}

	svcOpts := []services.Option{
		services.WithModelLoader(o.loader),
		services.WithMetrics(a.Metrics),
		services.WithTracer(telemetry.NewBuildTracer()),
		services.WithEventLogger(a.Logger),
	}
	if o.readOnly {
		svcOpts = append(svcOpts, services.WithReadOnly())
	} else {
		svcOpts = append(svcOpts,
			services.WithMirrors(a.Mirrors...),
			services.WithMirrorRetry(services.DefaultMirrorRetryPolicy()),
		)
	}

	svc, err := services.NewRagService(cfg, a.Logrus, svcOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc
	return a, nil
}

// LoadMirrored publishes the index last mirrored to Redis into the service.
// It reports false when no Redis mirror is connected or nothing was mirrored yet.
func (a *App) LoadMirrored(ctx context.Context) (bool, error) {
	if a.Leaderboard == nil {
		return false, nil
	}
	ix, ok, err := a.Leaderboard.Load(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := a.Service.Restore(ix); err != nil {
		return false, err
	}
	return true, nil
}

// HealthChecks returns the connected dependencies for the health endpoint.
func (a *App) HealthChecks() map[string]handlers.HealthChecker {
	checks := make(map[string]handlers.HealthChecker)
	if a.Postgres != nil {
		checks["database"] = a.Postgres
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis
	}
	return checks
}

// Close releases the model and every connection.
func (a *App) Close() {
	if a.Service != nil {
		if err := a.Service.Close(); err != nil {
			a.Logrus.WithError(err).Warn("Failed to release scoring model")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}

// otlpHost reduces a collector URL to host:port, which the log exporter expects.
func otlpHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
