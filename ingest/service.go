package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TrainStats are aggregates over one train's wagons.
type TrainStats struct {
	NormalizedIndex string     `json:"normalizedIndex"`
	TotalWagons     int64      `json:"totalWagons"`
	LoadedWagons    int64      `json:"loadedWagons"`
	EmptyWagons     int64      `json:"emptyWagons"`
	TotalWeightKg   float64    `json:"totalWeightKg"`
	AvgWeightKg     float64    `json:"avgWeightKg"`
	MaxWeightKg     float64    `json:"maxWeightKg"`
	MinWeightKg     float64    `json:"minWeightKg"`
	FirstDate       *time.Time `json:"firstDate,omitempty"`
	LastDate        *time.Time `json:"lastDate,omitempty"`
}

// TrainService owns train lookup and the derived stats cache entry.
type TrainService struct {
	db       *gorm.DB
	cache    Cache
	statsTTL time.Duration
	metrics  *Metrics
}

func NewTrainService(db *gorm.DB, cache Cache, statsTTL time.Duration, metrics *Metrics) *TrainService {
	return &TrainService{db: db, cache: cache, statsTTL: statsTTL, metrics: metrics}
}

// CreateOrUpdateTrain returns the train for normalizedIndex, creating it if needed.
func (s *TrainService) CreateOrUpdateTrain(ctx context.Context, normalizedIndex string) (*Train, error) {
	return FindOrCreateTrain(s.db.WithContext(ctx), normalizedIndex)
}

// InvalidateCache evicts the stats entry for normalizedIndex. Failures are
// logged; the entry still expires on its own.
func (s *TrainService) InvalidateCache(ctx context.Context, normalizedIndex string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, StatsKey(normalizedIndex)); err != nil {
		s.metrics.RecordCacheError("delete")
		log.WithError(err).WithField("train", normalizedIndex).Warn("failed to invalidate train stats")
		return
	}
	s.metrics.RecordInvalidation()
}

type statsRow struct {
	Total     int64
	Loaded    int64
	SumWeight float64
	AvgWeight float64
	MaxWeight float64
	MinWeight float64
}

type dateRow struct {
	Date time.Time
}

// Stats returns the train's aggregates, reading through the cache. A
// missing train yields gorm.ErrRecordNotFound.
func (s *TrainService) Stats(ctx context.Context, normalizedIndex string) (*TrainStats, error) {
	key := StatsKey(normalizedIndex)
	if s.cache != nil {
		b, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.metrics.RecordCacheError("get")
		} else if ok {
			var stats TrainStats
			if err := json.Unmarshal(b, &stats); err == nil {
				return &stats, nil
			}
		}
	}

	db := s.db.WithContext(ctx)
	var train Train
	if err := db.Where("normalized_index = ?", normalizedIndex).Take(&train).Error; err != nil {
		return nil, err
	}

	var row statsRow
	err := db.Model(&Wagon{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_loaded THEN 1 ELSE 0 END), 0) AS loaded,
			COALESCE(SUM(weight_kg), 0) AS sum_weight,
			COALESCE(AVG(weight_kg), 0) AS avg_weight,
			COALESCE(MAX(weight_kg), 0) AS max_weight,
			COALESCE(MIN(weight_kg), 0) AS min_weight`).
		Where("train_id = ?", train.ID).
		Scan(&row).Error
	if err != nil {
		return nil, errors.Wrap(ClassifyStoreError(err), "aggregate wagons")
	}

	stats := &TrainStats{
		NormalizedIndex: normalizedIndex,
		TotalWagons:     row.Total,
		LoadedWagons:    row.Loaded,
		EmptyWagons:     row.Total - row.Loaded,
		TotalWeightKg:   row.SumWeight,
		AvgWeightKg:     row.AvgWeight,
		MaxWeightKg:     row.MaxWeight,
		MinWeightKg:     row.MinWeight,
	}
	if row.Total > 0 {
		first, last, err := s.dateRange(db, train.ID)
		if err != nil {
			return nil, err
		}
		stats.FirstDate, stats.LastDate = &first, &last
	}

	if s.cache != nil {
		if b, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, b, s.statsTTL); err != nil {
				s.metrics.RecordCacheError("set")
			}
		}
	}
	return stats, nil
}

// dateRange reads the earliest and latest wagon dates with ordered lookups
// so the values scan as times on every driver.
func (s *TrainService) dateRange(db *gorm.DB, trainID uint) (time.Time, time.Time, error) {
	var first, last dateRow
	if err := db.Model(&Wagon{}).Select("date").Where("train_id = ?", trainID).Order("date ASC").Limit(1).Scan(&first).Error; err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(ClassifyStoreError(err), "first wagon date")
	}
	if err := db.Model(&Wagon{}).Select("date").Where("train_id = ?", trainID).Order("date DESC").Limit(1).Scan(&last).Error; err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(ClassifyStoreError(err), "last wagon date")
	}
	return first.Date.UTC(), last.Date.UTC(), nil
}
