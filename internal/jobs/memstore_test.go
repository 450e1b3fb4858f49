package jobs

import (
	"context"
	"slices"
	"sync"
	"time"

	"maintflow/internal/common"
)

// memStore 内存任务存储，afterList 用于在领取前注入竞争
type memStore struct {
	mu          sync.Mutex
	nextID      uint
	jobs        map[uint]*Job
	afterList   func()
	claimCalls  int
	claimedByID map[uint]int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uint]*Job), claimedByID: make(map[uint]int)}
}

func live(j *Job) bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

func (s *memStore) insertLocked(job *Job) error {
	if job.DedupKey != nil {
		for _, j := range s.jobs {
			if j.DedupKey != nil && *j.DedupKey == *job.DedupKey {
				return ErrDuplicate
			}
		}
	}
	s.nextID++
	job.ID = s.nextID
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *memStore) Get(_ context.Context, id uint) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) FindLive(_ context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DedupKey != nil && *j.DedupKey == key && live(j) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) sorted(filter func(*Job) bool) []Job {
	var out []Job
	for _, j := range s.jobs {
		if filter(j) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return int(a.ID) - int(b.ID)
	})
	return out
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	out := s.sorted(func(j *Job) bool { return j.Status == StatusPending && !j.ScheduledAt.After(now) })
	hook := s.afterList
	s.mu.Unlock()

	if len(out) > limit {
		out = out[:limit]
	}
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) Claim(_ context.Context, id uint, token, worker string, dueBy, claimedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusPending || j.ScheduledAt.After(dueBy) {
		return false, nil
	}
	j.Status = StatusProcessing
	j.Attempts++
	j.ClaimToken = token
	j.ClaimedBy = worker
	t := claimedAt
	j.ClaimedAt = &t
	s.claimedByID[id]++
	return true, nil
}

func (s *memStore) owned(job *Job) (*Job, error) {
	j, ok := s.jobs[job.ID]
	if !ok || j.Status != StatusProcessing || j.ClaimToken != job.ClaimToken {
		return nil, ErrClaimLost
	}
	return j, nil
}

func (s *memStore) Complete(_ context.Context, job *Job, now time.Time, successor *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusCompleted
	t := now
	j.ProcessedAt = &t
	j.DedupKey = nil
	j.Error = ""
	if successor != nil {
		if err := s.insertLocked(successor); err != nil && err != ErrDuplicate {
			return err
		}
	}
	return nil
}

func (s *memStore) Retry(_ context.Context, job *Job, msg string, nextAt, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusPending
	j.ScheduledAt = nextAt
	j.Error = msg
	j.ClaimedAt = nil
	j.ClaimedBy = ""
	j.ClaimToken = ""
	return nil
}

func (s *memStore) Release(_ context.Context, job *Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusPending
	j.Attempts = max(j.Attempts-1, 0)
	j.ScheduledAt = now
	j.ClaimedAt = nil
	j.ClaimedBy = ""
	j.ClaimToken = ""
	return nil
}

func (s *memStore) Fail(_ context.Context, job *Job, msg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusFailed
	t := now
	j.FailedAt = &t
	j.Error = msg
	j.DedupKey = nil
	return nil
}

func (s *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(j *Job) bool {
		return j.Status == StatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(before)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListFailed(_ context.Context, req common.PaginationRequest) ([]Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(j *Job) bool { return j.Status == StatusFailed })
	total := int64(len(out))
	start := min(req.GetOffset(), len(out))
	end := min(start+req.GetPageSize(), len(out))
	return out[start:end], total, nil
}

func (s *memStore) CountByStatus(_ context.Context) ([]StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[[2]string]int64{}
	for _, j := range s.jobs {
		counts[[2]string{j.JobType, string(j.Status)}]++
	}
	var out []StatusCount
	for k, v := range counts {
		out = append(out, StatusCount{JobType: k[0], Status: Status(k[1]), Count: v})
	}
	return out, nil
}

func (s *memStore) snapshot(id uint) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}
