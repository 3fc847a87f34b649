package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rail-ingest/batch"
	"rail-ingest/config"
	"rail-ingest/ingest"
)

const redisKeyPrefix = "rail-ingest:"

// app holds the resources shared by the ingest commands.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	redis    *redis.Client
	cache    ingest.Cache
	trains   *ingest.TrainService
	pipeline *ingest.Pipeline
	reg      *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, reg: prometheus.NewRegistry()}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := ingest.OpenDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := batch.Migrate(db); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "migrate batch tables")
	}

	switch cfg.Cache.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// the cache is advisory; lookups fall back to the store
			log.WithError(err).Warnf("redis at %s is not reachable", cfg.Cache.RedisAddr)
		}
		a.cache = ingest.NewRedisCache(a.redis, redisKeyPrefix)
	default:
		a.cache = ingest.NewMemoryCache(cfg.Cache.LedgerTTL)
	}

	metrics := ingest.NewMetrics(a.reg, cfg.Metrics.Sources...)
	ledger := ingest.NewLedger(a.cache, cfg.Cache.LedgerTTL, metrics)
	a.trains = ingest.NewTrainService(db, a.cache, cfg.Cache.StatsTTL, metrics)
	a.pipeline = ingest.NewPipeline(db, ledger, a.trains, metrics)
	log.WithFields(log.Fields{
		"driver": cfg.Database.Driver,
		"cache":  cfg.Cache.Backend,
	}).Info("store ready")
	return a, nil
}

func (a *app) newEngine(ctx context.Context) *batch.Engine {
	return batch.NewEngine(ctx, a.db, a.pipeline, batch.NewJobTracker(), a.cfg.Batch.MaxErrors, batch.NewMetrics(a.reg))
}

// serveMetrics exposes the registry on /metrics until ctx is done. A zero
// port disables it.
func (a *app) serveMetrics(ctx context.Context) {
	port := a.cfg.Metrics.Port
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("serving metrics on :%d/metrics", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) Close() error {
	var result *multierror.Error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close redis"))
		}
	}
	if a.db != nil {
		if err := ingest.CloseDB(a.db); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close database"))
		}
	}
	return result.ErrorOrNil()
}
