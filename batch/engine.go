package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rail-ingest/ingest"
)

const DefaultMaxErrors = 50

var (
	ErrEngineClosed = errors.New("batch engine is closed")
	errJobCancelled = errors.New("job cancelled")
)

// Engine runs CSV imports as background jobs. All rows of one job share a
// single transaction; each row is applied in its own savepoint so a bad row
// only rolls back itself.
type Engine struct {
	ctx       context.Context
	cancel    context.CancelFunc
	db        *gorm.DB
	pipeline  *ingest.Pipeline
	tracker   *JobTracker
	maxErrors int
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine returns an engine whose jobs are cancelled when ctx is done or
// Close is called.
func NewEngine(ctx context.Context, db *gorm.DB, pipeline *ingest.Pipeline, tracker *JobTracker, maxErrors int, metrics *Metrics) *Engine {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if tracker == nil {
		tracker = NewJobTracker()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:       ctx,
		cancel:    cancel,
		db:        db,
		pipeline:  pipeline,
		tracker:   tracker,
		maxErrors: maxErrors,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (e *Engine) Tracker() *JobTracker { return e.tracker }

// Submit starts a job reading r and returns its id without waiting. If r is
// an io.Closer it is closed when the job ends.
func (e *Engine) Submit(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("nil csv stream")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(e.ctx)
	e.tracker.start(id, cancel)
	e.metrics.jobStarted()
	e.wg.Add(1)
	go e.run(ctx, id, r)
	return id, nil
}

// SubmitFile opens path and submits it. No job is created if the file
// cannot be opened.
func (e *Engine) SubmitFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open csv file")
	}
	id, err := e.Submit(f)
	if err != nil {
		_ = f.Close()
		return "", err
	}
	return id, nil
}

// GetJobStatus returns a snapshot of the job, or nil for an unknown id.
func (e *Engine) GetJobStatus(id string) *JobStatus {
	st, ok := e.tracker.Get(id)
	if !ok {
		return nil
	}
	return &st
}

func (e *Engine) Cancel(id string) bool {
	return e.tracker.Cancel(id)
}

func (e *Engine) Wait(ctx context.Context, id string) (JobStatus, error) {
	return e.tracker.Wait(ctx, id)
}

// Close cancels running jobs and waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, id string, r io.Reader) {
	start := e.now()
	logger := log.WithField("job", id)
	status := StatusFailed
	defer func() {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
		e.metrics.jobFinished(status, time.Since(start).Seconds())
		e.wg.Done()
	}()
	defer func() {
		if p := recover(); p != nil {
			status = StatusFailed
			err := errors.Errorf("panic: %v", p)
			logger.WithError(err).Error("batch job crashed")
			e.tracker.finish(id, StatusFailed, nil, err)
		}
	}()

	rows, err := ReadRows(r)
	if err != nil {
		logger.WithError(err).Warn("batch job could not read csv")
		e.tracker.finish(id, StatusFailed, nil, err)
		return
	}

	res, committed, err := e.importRows(ctx, id, rows)
	e.metrics.recordRows(res.ValidRecords, res.InvalidRecords)
	switch {
	case errors.Is(err, errJobCancelled):
		status = StatusCancelled
		res.Message = fmt.Sprintf("Cancelled after %d of %d records, changes rolled back", res.ProcessedRecords, len(rows))
		logger.Info(res.Message)
		e.tracker.finish(id, StatusCancelled, res, nil)
	case err != nil:
		status = StatusFailed
		logger.WithError(err).Error("batch job failed")
		e.tracker.finish(id, StatusFailed, res, err)
	default:
		status = StatusCompleted
		e.pipeline.Publish(context.WithoutCancel(ctx), committed...)
		res.Message = fmt.Sprintf("Successfully processed %d records, %d errors", res.ValidRecords, res.InvalidRecords)
		logger.Info(res.Message)
		e.tracker.finish(id, StatusCompleted, res, nil)
	}
}

// importRows applies rows in one transaction. Cancellation is checked
// between rows and rolls everything back. Store calls run detached from ctx
// so a cancel never interrupts a row halfway.
func (e *Engine) importRows(ctx context.Context, id string, rows []Row) (*Result, []ingest.Result, error) {
	res := &Result{Errors: []string{}}
	var committed []ingest.Result
	storeCtx := context.WithoutCancel(ctx)
	now := e.now()
	total := len(rows)

	fail := func(row Row, msg string) {
		res.InvalidRecords++
		if len(res.Errors) < e.maxErrors {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: %s", row.Line, msg))
		}
		log.WithFields(log.Fields{"job": id, "row": row.Line}).Debugf("row rejected: %s", msg)
	}

	err := e.db.WithContext(storeCtx).Transaction(func(tx *gorm.DB) error {
		for i, row := range rows {
			if ctx.Err() != nil {
				return errJobCancelled
			}
			res.ProcessedRecords++

			u, err := row.Update(now)
			if err != nil {
				fail(row, err.Error())
			} else {
				r := e.pipeline.ApplyInTx(storeCtx, tx, u)
				switch {
				case r.Committed():
					res.ValidRecords++
					committed = append(committed, r)
				case r.Success:
					res.ValidRecords++
				default:
					fail(row, r.ErrorMessage)
				}
			}

			progress := (i + 1) * 100 / total
			e.tracker.update(id, func(st *JobStatus) { st.Progress = progress })
		}
		return nil
	})
	if err != nil && !errors.Is(err, errJobCancelled) {
		err = errors.Wrap(err, "commit batch")
	}
	if err != nil {
		committed = nil
	}
	return res, committed, err
}
