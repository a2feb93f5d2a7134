// Package registry tracks cancellable long-running crawl jobs. The crawl
// pipeline itself lives outside this service; the registry is the explicit,
// injected replacement for the ambient job map it used to share.
package registry

import (
	"errors"
	"sync"
	"time"
)

var ErrNotRegistered = errors.New("crawl job not registered")

// Job is one registered crawl-ingestion run.
type Job struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`

	cancel func()
}

// CrawlRegistry is safe for concurrent use.
type CrawlRegistry struct {
	mu   sync.Mutex
	jobs map[string]Job
	Now  func() time.Time
}

func New() *CrawlRegistry {
	return &CrawlRegistry{jobs: map[string]Job{}, Now: time.Now}
}

// Register records a running job. cancel may be nil for jobs that cannot be
// interrupted. Re-registering an id replaces the previous entry.
func (r *CrawlRegistry) Register(id, description string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = Job{
		ID:          id,
		Description: description,
		StartedAt:   r.Now(),
		cancel:      cancel,
	}
}

// Unregister drops a job without cancelling it.
func (r *CrawlRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Lookup returns the job for id.
func (r *CrawlRegistry) Lookup(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Active returns a snapshot of all registered jobs.
func (r *CrawlRegistry) Active() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		res = append(res, j)
	}
	return res
}

// Cancel invokes the job's cancel function and removes it.
func (r *CrawlRegistry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}
