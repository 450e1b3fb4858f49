package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"maintflow/internal/common"
	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"
	"maintflow/internal/testutil"
	"maintflow/internal/worker/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	db     *gorm.DB
	runner *jobs.Runner
	repo   *maintenance.Repository
	clock  *common.FakeClock
}

func newEnv(t *testing.T) *env {
	models := append(maintenance.Models(), &jobs.Job{})
	db := testutil.NewDB(t, models...)
	clock := common.NewFakeClock(t0)
	e := &env{
		db:    db,
		repo:  maintenance.NewRepository(db),
		clock: clock,
		runner: jobs.NewRunner(jobs.NewGormStore(db),
			jobs.WithClock(clock),
			jobs.WithLogger(zaptest.NewLogger(t)),
		),
	}
	for _, tmpl := range []maintenance.PmTemplate{
		{ID: "T1", Name: "月检", Frequency: maintenance.FrequencyMonthly, Active: true, WarehouseID: "WH1"},
		{ID: "T2", Name: "周检", Frequency: maintenance.FrequencyWeekly, Active: true, WarehouseID: "WH1"},
		{ID: "T3", Name: "停用", Frequency: maintenance.FrequencyDaily, Active: false, WarehouseID: "WH1"},
	} {
		require.NoError(t, db.Create(&tmpl).Error)
	}
	return e
}

func (e *env) countLive(t *testing.T, jobType string) int64 {
	var n int64
	require.NoError(t, e.db.Model(&jobs.Job{}).
		Where("job_type = ? AND status IN ?", jobType, []string{"pending", "processing"}).
		Count(&n).Error)
	return n
}

func TestTick_IdempotentBootstrap(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := NewOrchestrator(e.repo, e.runner, time.Minute, WithLogger(zaptest.NewLogger(t)))

	rep := o.Tick(ctx)
	assert.True(t, rep.ScanEnqueued)
	assert.Equal(t, 2, rep.PmBootstrapped)
	assert.Zero(t, rep.Errors)

	rep = o.Tick(ctx)
	assert.False(t, rep.ScanEnqueued)
	assert.Zero(t, rep.PmBootstrapped)

	// 另一个调度器实例共享同一存储
	other := NewOrchestrator(e.repo, e.runner, time.Minute, WithLogger(zaptest.NewLogger(t)))
	rep = other.Tick(ctx)
	assert.False(t, rep.ScanEnqueued)

	assert.EqualValues(t, 1, e.countLive(t, tasks.TypeEscalationCheck))
	assert.EqualValues(t, 2, e.countLive(t, tasks.TypePmGeneration))

	var pm jobs.Job
	require.NoError(t, e.db.Where("dedup_key = ?", "pm_generation:T1").First(&pm).Error)
	var p tasks.PmGenerationPayload
	require.NoError(t, pm.Decode(&p))
	assert.Equal(t, "T1", p.TemplateID)
}

func TestTick_EnqueuesNewScanAfterPreviousFinished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.runner.Register(tasks.TypeEscalationCheck, func(ctx context.Context, job *jobs.Job) (*jobs.NewJob, error) {
		return nil, nil
	})
	o := NewOrchestrator(e.repo, e.runner, time.Minute, WithLogger(zaptest.NewLogger(t)))

	require.True(t, o.Tick(ctx).ScanEnqueued)

	var scan jobs.Job
	require.NoError(t, e.db.Where("job_type = ?", tasks.TypeEscalationCheck).First(&scan).Error)
	ok, err := e.runner.Store().Claim(ctx, scan.ID, "tok", "test", t0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	scan.ClaimToken = "tok"
	scan.Status = jobs.StatusProcessing

	// 执行中仍不重复投递
	assert.False(t, o.Tick(ctx).ScanEnqueued)

	require.NoError(t, e.runner.Store().Complete(ctx, &scan, t0, nil))
	assert.True(t, o.Tick(ctx).ScanEnqueued)
}

type fakeLocker struct {
	ok  bool
	err error
	ttl time.Duration
}

func (f *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.ttl = ttl
	return f.ok, f.err
}

func TestTick_LockHeldElsewhereSkips(t *testing.T) {
	e := newEnv(t)
	lock := &fakeLocker{ok: false}
	o := NewOrchestrator(e.repo, e.runner, 10*time.Minute, WithLocker(lock), WithLogger(zaptest.NewLogger(t)))

	rep := o.Tick(context.Background())
	assert.True(t, rep.Skipped)
	assert.Equal(t, 5*time.Minute, lock.ttl)
	assert.EqualValues(t, 0, e.countLive(t, tasks.TypeEscalationCheck))
}

func TestTick_LockErrorFallsBackToDedup(t *testing.T) {
	e := newEnv(t)
	o := NewOrchestrator(e.repo, e.runner, time.Minute,
		WithLocker(&fakeLocker{err: errors.New("redis down")}),
		WithLogger(zaptest.NewLogger(t)),
	)

	rep := o.Tick(context.Background())
	assert.False(t, rep.Skipped)
	assert.True(t, rep.ScanEnqueued)
}

type failingEnqueuer struct{ calls int }

func (f *failingEnqueuer) EnqueueUnique(ctx context.Context, n jobs.NewJob) (*jobs.Job, bool, error) {
	f.calls++
	return nil, false, errors.New("database is locked")
}

type staticTemplates []maintenance.PmTemplate

func (s staticTemplates) ListActiveTemplates(ctx context.Context) ([]maintenance.PmTemplate, error) {
	return s, nil
}

func TestTick_ToleratesEnqueueFailures(t *testing.T) {
	enq := &failingEnqueuer{}
	o := NewOrchestrator(staticTemplates{{ID: "A"}, {ID: "B"}}, enq, time.Minute, WithLogger(zaptest.NewLogger(t)))

	rep := o.Tick(context.Background())
	assert.Equal(t, 3, rep.Errors)
	assert.Equal(t, 3, enq.calls)
	assert.False(t, rep.ScanEnqueued)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := NewOrchestrator(e.repo, e.runner, time.Hour, WithLogger(zaptest.NewLogger(t)))

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))
	assert.EqualValues(t, 1, e.countLive(t, tasks.TypeEscalationCheck))
	assert.EqualValues(t, 2, e.countLive(t, tasks.TypePmGeneration))

	o.Stop()
	o.Stop()

	// 停止后可以再次启动
	require.NoError(t, o.Start(ctx))
	o.Stop()
	assert.EqualValues(t, 1, e.countLive(t, tasks.TypeEscalationCheck))
}
