package deletion

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/natsclient"
)

// JobStore persists deletion jobs. Update is a read-modify-write so
// concurrent mutations (worker progress vs. operator cancel) compose
// instead of clobbering each other.
type JobStore interface {
	// Create persists a new job. Creating an existing id is an error.
	Create(ctx context.Context, job *Job) error

	// Get returns the job or errors.ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies mutate to the current job state and persists the
	// result, retrying on write conflicts. Returns the persisted job.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)

	// ListActive returns jobs in pending, running or partially-done state,
	// used for crash recovery on startup.
	ListActive(ctx context.Context) ([]*Job, error)
}

// MemoryJobStore is an in-memory JobStore for tests and single-node runs.
// It records the status history of every job so tests can assert lifecycle
// transitions.
type MemoryJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	history map[string][]Status
}

var _ JobStore = (*MemoryJobStore)(nil)

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:    make(map[string]*Job),
		history: make(map[string][]Status),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) Update(_ context.Context, id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound
	}

	updated := job.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()

	if updated.Status != job.Status {
		s.history[id] = append(s.history[id], updated.Status)
	}
	s.jobs[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryJobStore) ListActive(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*Job
	for _, job := range s.jobs {
		if job.Status.Active() {
			active = append(active, job.Clone())
		}
	}
	return active, nil
}

// History returns the status transition sequence recorded for the job.
func (s *MemoryJobStore) History(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.history[id]...)
}

// KVJobStore persists jobs in a NATS JetStream KV bucket. Updates go
// through compare-and-swap so a worker checkpoint never overwrites a
// concurrent cancel request.
type KVJobStore struct {
	kv *natsclient.KVStore
}

var _ JobStore = (*KVJobStore)(nil)

// NewKVJobStore wraps a KV bucket as a job store.
func NewKVJobStore(kv *natsclient.KVStore) *KVJobStore {
	return &KVJobStore{kv: kv}
}

func (s *KVJobStore) Create(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "KVJobStore", "Create", "marshal job")
	}
	if _, err := s.kv.Create(ctx, job.ID, raw); err != nil {
		return errors.WrapTransient(err, "KVJobStore", "Create", "persist job")
	}
	return nil
}

func (s *KVJobStore) Get(ctx context.Context, id string) (*Job, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.ErrJobNotFound
		}
		return nil, errors.WrapTransient(err, "KVJobStore", "Get", "read job")
	}

	var job Job
	if err := json.Unmarshal(entry.Value, &job); err != nil {
		return nil, errors.Wrap(err, "KVJobStore", "Get", "unmarshal job")
	}
	return &job, nil
}

func (s *KVJobStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	var result *Job
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrJobNotFound
		}
		var job Job
		if err := json.Unmarshal(current, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		if err := mutate(&job); err != nil {
			return nil, err
		}
		job.UpdatedAt = time.Now().UTC()
		result = &job
		return json.Marshal(&job)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrJobNotFound) {
			return nil, errors.ErrJobNotFound
		}
		return nil, errors.WrapTransient(err, "KVJobStore", "Update", "persist job")
	}
	return result, nil
}

func (s *KVJobStore) ListActive(ctx context.Context) ([]*Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVJobStore", "ListActive", "list keys")
	}

	var active []*Job
	for _, key := range keys {
		job, err := s.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		if job.Status.Active() {
			active = append(active, job)
		}
	}
	return active, nil
}
