package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"maintflow/internal/common"
	"maintflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGormStore(t *testing.T) *GormStore {
	return NewGormStore(testutil.NewDB(t, &Job{}))
}

func mustRecord(t *testing.T, n NewJob, now time.Time) *Job {
	t.Helper()
	j, err := NewRecord(n, now, 3)
	require.NoError(t, err)
	return j
}

func TestGormStore_DedupKeyHeldWhileLive(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	first := mustRecord(t, NewJob{Type: "pm_generation", Payload: map[string]int{"n": 1}, DedupKey: "pm_generation:t1"}, t0)
	require.NoError(t, s.Insert(ctx, first))
	require.NotZero(t, first.ID)

	dup := mustRecord(t, NewJob{Type: "pm_generation", Payload: map[string]int{"n": 2}, DedupKey: "pm_generation:t1"}, t0)
	assert.ErrorIs(t, s.Insert(ctx, dup), ErrDuplicate)

	live, err := s.FindLive(ctx, "pm_generation:t1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, live.ID)

	// 无去重键的任务不受约束
	require.NoError(t, s.Insert(ctx, mustRecord(t, NewJob{Type: "notification_send", Payload: map[string]int{"n": 1}}, t0)))
	require.NoError(t, s.Insert(ctx, mustRecord(t, NewJob{Type: "notification_send", Payload: map[string]int{"n": 1}}, t0)))

	// 失败后释放去重键
	ok, err := s.Claim(ctx, first.ID, "tok", "w", t0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	first.ClaimToken = "tok"
	require.NoError(t, s.Fail(ctx, first, "boom", t0))

	_, err = s.FindLive(ctx, "pm_generation:t1")
	assert.ErrorIs(t, err, ErrNotFound)
	again := mustRecord(t, NewJob{Type: "pm_generation", Payload: map[string]int{"n": 3}, DedupKey: "pm_generation:t1"}, t0)
	assert.NoError(t, s.Insert(ctx, again))
}

func TestGormStore_ClaimIsConditional(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	j := mustRecord(t, NewJob{Type: "escalation_check", Payload: map[string]int{"n": 1}}, t0)
	require.NoError(t, s.Insert(ctx, j))

	ok, err := s.Claim(ctx, j.ID, "a", "worker-a", t0, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, j.ID, "b", "worker-b", t0, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "worker-a", got.ClaimedBy)
	assert.Equal(t, "a", got.ClaimToken)

	future := mustRecord(t, NewJob{Type: "escalation_check", Payload: map[string]int{"n": 1}, ScheduledAt: t0.Add(time.Hour)}, t0)
	require.NoError(t, s.Insert(ctx, future))
	ok, err = s.Claim(ctx, future.ID, "c", "worker-c", t0, t0)
	require.NoError(t, err)
	assert.False(t, ok, "未到期任务不能被领取")
}

func TestGormStore_GuardedTransitions(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	j := mustRecord(t, NewJob{Type: "pm_generation", Payload: map[string]int{"n": 1}, DedupKey: "pm_generation:t1"}, t0)
	require.NoError(t, s.Insert(ctx, j))
	_, err := s.Claim(ctx, j.ID, "right", "w", t0, t0)
	require.NoError(t, err)

	wrong := *j
	wrong.ClaimToken = "wrong"
	assert.ErrorIs(t, s.Complete(ctx, &wrong, t0, nil), ErrClaimLost)
	assert.ErrorIs(t, s.Retry(ctx, &wrong, "x", t0, t0), ErrClaimLost)
	assert.ErrorIs(t, s.Fail(ctx, &wrong, "x", t0), ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, &wrong, t0), ErrClaimLost)

	j.ClaimToken = "right"
	successor := mustRecord(t, NewJob{Type: "pm_generation", Payload: map[string]int{"n": 2}, ScheduledAt: t0.Add(24 * time.Hour), DedupKey: "pm_generation:t1"}, t0)
	require.NoError(t, s.Complete(ctx, j, t0, successor))

	done, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Nil(t, done.DedupKey)
	require.NotNil(t, done.ProcessedAt)

	next, err := s.FindLive(ctx, "pm_generation:t1")
	require.NoError(t, err)
	assert.Equal(t, successor.ID, next.ID)
	assert.True(t, next.ScheduledAt.Equal(t0.Add(24*time.Hour)))

	// 终态不可再变更
	assert.ErrorIs(t, s.Complete(ctx, j, t0, nil), ErrClaimLost)
}

func TestGormStore_ReleaseRefundsAttempt(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	j := mustRecord(t, NewJob{Type: "notification_send", Payload: map[string]string{"userId": "u1"}, DedupKey: "notify:u1"}, t0)
	require.NoError(t, s.Insert(ctx, j))
	claimedAt := t0.Add(time.Minute)
	ok, err := s.Claim(ctx, j.ID, "tok", "w", t0, claimedAt)
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(claimedAt))
	assert.Equal(t, 1, claimed.Attempts)

	j.ClaimToken = "tok"
	releasedAt := t0.Add(2 * time.Minute)
	require.NoError(t, s.Release(ctx, j, releasedAt))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, got.ScheduledAt.Equal(releasedAt))
	assert.Nil(t, got.ClaimedAt)
	assert.Empty(t, got.ClaimToken)

	// 去重键仍被占用
	live, err := s.FindLive(ctx, "notify:u1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, live.ID)

	// 不早于 dueBy 的任务才可领取
	ok, err = s.Claim(ctx, j.ID, "tok2", "w", t0, t0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Claim(ctx, j.ID, "tok2", "w", releasedAt, releasedAt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGormStore_ListDueOrderAndStale(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	late := mustRecord(t, NewJob{Type: "a", Payload: map[string]int{"n": 1}, ScheduledAt: t0.Add(-time.Minute)}, t0)
	early := mustRecord(t, NewJob{Type: "a", Payload: map[string]int{"n": 1}, ScheduledAt: t0.Add(-time.Hour)}, t0)
	tie := mustRecord(t, NewJob{Type: "a", Payload: map[string]int{"n": 1}, ScheduledAt: t0.Add(-time.Minute)}, t0)
	future := mustRecord(t, NewJob{Type: "a", Payload: map[string]int{"n": 1}, ScheduledAt: t0.Add(time.Minute)}, t0)
	for _, j := range []*Job{late, early, tie, future} {
		require.NoError(t, s.Insert(ctx, j))
	}

	due, err := s.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []uint{early.ID, late.ID, tie.ID}, []uint{due[0].ID, due[1].ID, due[2].ID})

	_, err = s.Claim(ctx, early.ID, "tok", "w", t0.Add(-30*time.Minute), t0.Add(-30*time.Minute))
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, t0.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, early.ID, stale[0].ID)
	assert.Equal(t, "tok", stale[0].ClaimToken)
}

func TestGormStore_FailedListingAndCounts(t *testing.T) {
	s := newGormStore(t)
	ctx := context.Background()

	for i := range 3 {
		j := mustRecord(t, NewJob{Type: "notification_send", Payload: map[string]int{"n": i}}, t0)
		require.NoError(t, s.Insert(ctx, j))
		_, err := s.Claim(ctx, j.ID, "tok", "w", t0, t0)
		require.NoError(t, err)
		j.ClaimToken = "tok"
		require.NoError(t, s.Fail(ctx, j, "sink down", t0.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.Insert(ctx, mustRecord(t, NewJob{Type: "escalation_check", Payload: map[string]int{"n": 1}}, t0)))

	page, total, err := s.ListFailed(ctx, common.PaginationRequest{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].FailedAt.After(*page[1].FailedAt), "最近失败的排在前面")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	got := map[string]int64{}
	for _, c := range counts {
		got[c.JobType+"/"+string(c.Status)] = c.Count
	}
	assert.Equal(t, int64(3), got["notification_send/failed"])
	assert.Equal(t, int64(1), got["escalation_check/pending"])
}

func TestGormStore_GetMissing(t *testing.T) {
	s := newGormStore(t)
	_, err := s.Get(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// 基于 sqlite 的完整执行流程
func TestRunner_WithGormStore(t *testing.T) {
	s := newGormStore(t)
	clock := common.NewFakeClock(t0)
	r := newTestRunner(t, s, clock)

	attempts := 0
	r.Register("flaky", func(ctx context.Context, job *Job) (*NewJob, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})

	job, err := r.Enqueue(context.Background(), NewJob{Type: "flaky", Payload: map[string]int{"n": 1}})
	require.NoError(t, err)

	outs := drain(t, r, clock.Now(), 10)
	require.Len(t, outs, 1)
	assert.Equal(t, ResultRetried, outs[0].Result)

	clock.Advance(time.Minute)
	outs = drain(t, r, clock.Now(), 10)
	require.Len(t, outs, 1)
	assert.Equal(t, ResultCompleted, outs[0].Result)

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.Error)
}
