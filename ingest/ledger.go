package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger answers "was this event already applied". The ledger table is the
// authority; the cache only remembers positives.
type Ledger struct {
	cache   Cache
	ttl     time.Duration
	metrics *Metrics
}

func NewLedger(cache Cache, ttl time.Duration, metrics *Metrics) *Ledger {
	return &Ledger{cache: cache, ttl: ttl, metrics: metrics}
}

// IsProcessed checks the cache, then the ledger table through db. Pass the
// open transaction when called inside one.
func (l *Ledger) IsProcessed(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	if l.cache != nil {
		_, ok, err := l.cache.Get(ctx, LedgerKey(eventID))
		if err != nil {
			l.metrics.RecordCacheError("get")
			log.WithError(err).WithField("eventId", eventID).Debug("ledger cache lookup failed")
		} else if ok {
			return true, nil
		}
	}

	var n int64
	err := db.WithContext(ctx).Model(&ProcessedEvent{}).Where("event_id = ?", eventID).Count(&n).Error
	if err != nil {
		return false, errors.Wrap(ClassifyStoreError(err), "ledger lookup")
	}
	if n == 0 {
		return false, nil
	}
	// inside a transaction the row may not be committed yet
	if !inTransaction(db) {
		l.Remember(ctx, eventID)
	}
	return true, nil
}

func inTransaction(db *gorm.DB) bool {
	committer, ok := db.Statement.ConnPool.(gorm.TxCommitter)
	return ok && committer != nil
}

// MarkProcessed inserts the ledger row inside tx. If another writer got there
// first it returns ErrDuplicateEvent and the caller must roll back.
func (l *Ledger) MarkProcessed(tx *gorm.DB, ev *ProcessedEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now().UTC()
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return errors.Wrap(ClassifyStoreError(res.Error), "insert ledger row")
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// Remember caches a positive. Only call it for committed events.
func (l *Ledger) Remember(ctx context.Context, eventID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, LedgerKey(eventID), []byte{1}, l.ttl); err != nil {
		l.metrics.RecordCacheError("set")
		log.WithError(err).WithField("eventId", eventID).Debug("ledger cache store failed")
	}
}
