package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rail-ingest/trainindex"
)

// Result is the outcome of one update.
type Result struct {
	Outcome      Outcome
	Success      bool
	Duplicate    bool
	ShouldRetry  bool
	ErrorMessage string
	TrainID      *uint
	WagonID      *uint

	EventID         string
	NormalizedIndex string
}

// Committed reports whether the update changed state and therefore needs
// its cache side effects published.
func (r Result) Committed() bool {
	return r.Outcome == OutcomeSuccess
}

func resultFor(u Update, normalizedIndex string, err error) Result {
	r := Result{EventID: u.EventID, NormalizedIndex: normalizedIndex, Outcome: OutcomeOf(err)}
	switch r.Outcome {
	case OutcomeSuccess:
		r.Success = true
	case OutcomeDuplicate:
		r.Success, r.Duplicate = true, true
	case OutcomeRetryable:
		r.ShouldRetry = true
		r.ErrorMessage = err.Error()
	case OutcomeTerminal:
		r.ErrorMessage = err.Error()
	}
	return r
}

// Pipeline applies updates exactly once: duplicate check, index
// normalization, then train/wagon upsert and ledger insert in one
// transaction, then cache maintenance after commit.
type Pipeline struct {
	db      *gorm.DB
	ledger  *Ledger
	trains  *TrainService
	metrics *Metrics
}

func NewPipeline(db *gorm.DB, ledger *Ledger, trains *TrainService, metrics *Metrics) *Pipeline {
	return &Pipeline{db: db, ledger: ledger, trains: trains, metrics: metrics}
}

// ProcessUpdate validates a queue message and applies it in its own transaction.
func (p *Pipeline) ProcessUpdate(ctx context.Context, msg *WagonUpdateMessage) Result {
	if err := msg.Validate(); err != nil {
		r := resultFor(Update{EventID: msg.EventID}, "", err)
		p.metrics.RecordUpdate(msg.Source, r.Outcome)
		log.WithField("eventId", msg.EventID).Warnf("wagon update rejected: %s", r.ErrorMessage)
		return r
	}
	return p.Process(ctx, msg.Update())
}

// Process applies u in its own transaction and publishes cache side effects
// once it has committed.
func (p *Pipeline) Process(ctx context.Context, u Update) Result {
	r := p.apply(ctx, p.db.WithContext(ctx), u)
	if r.Committed() {
		p.Publish(ctx, r)
	}
	return r
}

// ApplyInTx applies u inside the caller's open transaction, isolated by a
// savepoint: a failure rolls back this update only. The caller must call
// Publish for committed results after its own commit succeeds.
func (p *Pipeline) ApplyInTx(ctx context.Context, tx *gorm.DB, u Update) Result {
	return p.apply(ctx, tx.WithContext(ctx), u)
}

// Publish records committed results in the ledger cache and evicts the
// affected trains' stats.
func (p *Pipeline) Publish(ctx context.Context, results ...Result) {
	evicted := map[string]struct{}{}
	for _, r := range results {
		if !r.Committed() {
			continue
		}
		p.ledger.Remember(ctx, r.EventID)
		if _, ok := evicted[r.NormalizedIndex]; ok {
			continue
		}
		evicted[r.NormalizedIndex] = struct{}{}
		p.trains.InvalidateCache(ctx, r.NormalizedIndex)
	}
}

func (p *Pipeline) apply(ctx context.Context, db *gorm.DB, u Update) (r Result) {
	logger := log.WithFields(log.Fields{"eventId": u.EventID, "source": u.Source})
	defer func() {
		p.metrics.RecordUpdate(u.Source, r.Outcome)
		switch r.Outcome {
		case OutcomeSuccess:
			logger.WithField("train", r.NormalizedIndex).Debug("wagon update applied")
		case OutcomeDuplicate:
			logger.Info("event already processed, skipping")
		case OutcomeRetryable:
			logger.Warnf("wagon update failed, retryable: %s", r.ErrorMessage)
		case OutcomeTerminal:
			logger.Warnf("wagon update rejected: %s", r.ErrorMessage)
		}
	}()

	processed, err := p.ledger.IsProcessed(ctx, db, u.EventID)
	if err != nil {
		return resultFor(u, "", err)
	}
	if processed {
		return resultFor(u, "", ErrDuplicateEvent)
	}

	normalized, err := trainindex.Normalize(u.RawTrainIndex)
	if err != nil {
		return resultFor(u, "", err)
	}

	start := time.Now()
	var applied Applied
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = Apply(tx, p.ledger, normalized, u)
		return err
	})
	p.metrics.ObserveApply(time.Since(start).Seconds())
	if err != nil {
		return resultFor(u, normalized, errors.WithMessage(ClassifyStoreError(err), "apply update"))
	}

	r = resultFor(u, normalized, nil)
	r.TrainID, r.WagonID = &applied.TrainID, &applied.WagonID
	return r
}
