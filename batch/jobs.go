package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// ErrJobNotFound is returned for ids the tracker has never seen.
var ErrJobNotFound = errors.New("job not found")

// Result summarizes a finished batch.
type Result struct {
	ProcessedRecords int      `json:"processedRecords"`
	ValidRecords     int      `json:"validRecords"`
	InvalidRecords   int      `json:"invalidRecords"`
	Errors           []string `json:"errors"`
	Message          string   `json:"message"`
}

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	JobID       string     `json:"jobId"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s JobStatus) clone() JobStatus {
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		s.CompletedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		r.Errors = append([]string(nil), r.Errors...)
		s.Result = &r
	}
	return s
}

type job struct {
	status JobStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// JobTracker holds the state of every job started in this process. Each
// entry has a single writer, the goroutine running the job; status
// snapshots are replaced whole under the lock and handed out as copies.
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[string]*job
	now  func() time.Time
}

func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: map[string]*job{}, now: time.Now}
}

func (t *JobTracker) start(id string, cancel context.CancelFunc) JobStatus {
	st := JobStatus{JobID: id, Status: StatusRunning, StartedAt: t.now().UTC()}
	t.mu.Lock()
	t.jobs[id] = &job{status: st, cancel: cancel, done: make(chan struct{})}
	t.mu.Unlock()
	return st
}

func (t *JobTracker) update(id string, fn func(*JobStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok || j.status.Status.Terminal() {
		return
	}
	next := j.status.clone()
	fn(&next)
	j.status = next
}

// finish moves the job to a terminal state. Only the first call wins.
func (t *JobTracker) finish(id string, status Status, result *Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok || j.status.Status.Terminal() {
		return
	}
	next := j.status.clone()
	now := t.now().UTC()
	next.Status = status
	next.CompletedAt = &now
	next.Result = result
	if result != nil {
		next.Message = result.Message
	}
	if err != nil {
		next.Error = err.Error()
		if next.Message == "" {
			next.Message = err.Error()
		}
	}
	if status == StatusCompleted {
		next.Progress = 100
	}
	j.status = next
	if j.cancel != nil {
		j.cancel()
	}
	close(j.done)
}

// Get returns a snapshot of the job, or false if the id is unknown.
func (t *JobTracker) Get(id string) (JobStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return j.status.clone(), true
}

// List returns snapshots of all jobs, oldest first.
func (t *JobTracker) List() []JobStatus {
	t.mu.RLock()
	out := make([]JobStatus, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.status.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].JobID < out[k].JobID
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

// Cancel requests cooperative cancellation. It reports false if the job is
// unknown or already finished.
func (t *JobTracker) Cancel(id string) bool {
	t.mu.RLock()
	j, ok := t.jobs[id]
	running := ok && !j.status.Status.Terminal()
	t.mu.RUnlock()
	if !running {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// Done returns a channel closed once the job reaches a terminal state.
func (t *JobTracker) Done(id string) (<-chan struct{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return j.done, true
}

// Wait blocks until the job finishes or ctx is done.
func (t *JobTracker) Wait(ctx context.Context, id string) (JobStatus, error) {
	done, ok := t.Done(id)
	if !ok {
		return JobStatus{}, errors.Wrap(ErrJobNotFound, id)
	}
	select {
	case <-done:
		st, _ := t.Get(id)
		return st, nil
	case <-ctx.Done():
		st, _ := t.Get(id)
		return st, ctx.Err()
	}
}
