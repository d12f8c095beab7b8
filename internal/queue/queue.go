// Package queue holds the ordered in-process print job store consumed by the
// scheduler.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a print job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusPrinting  Status = "printing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrJobNotFound is returned for lookups of unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Job is one submitted print request. PrinterName empty means any idle
// printer may take it. Error is set only when Status is StatusFailed.
type Job struct {
	ID          string
	FileName    string
	PrinterName string
	Priority    int
	Status      Status
	SubmittedBy string
	SubmittedAt time.Time
	Error       string
}

// Queue is a thread-safe job store. Jobs are kept after reaching a terminal
// state so callers can query history; the scheduler is the only component
// that moves a job's status forward.
type Queue struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{jobs: make(map[string]*Job)}
}

// Submit adds a new queued job and returns its ID.
func (q *Queue) Submit(fileName, printerName string, priority int, submittedBy string) string {
	job := &Job{
		ID:          uuid.New().String()[:8],
		FileName:    fileName,
		PrinterName: printerName,
		Priority:    priority,
		Status:      StatusQueued,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now(),
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	return job.ID
}

// Get returns a copy of the job with the given ID.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// ListByStatus returns copies of all jobs in the given status, ordered by
// priority descending, ties broken by earliest submission.
func (q *Queue) ListByStatus(status Status) []Job {
	q.mu.RLock()
	var out []Job
	for _, job := range q.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	q.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// SetStatus moves a job to status, clearing any previous error detail.
func (q *Queue) SetStatus(id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	if status != StatusFailed {
		job.Error = ""
	}
	return nil
}

// Fail moves a job to StatusFailed with a descriptive error string.
func (q *Queue) Fail(id, detail string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	job.Error = detail
	return nil
}

// Len returns the total number of jobs the queue has seen, any status.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}
