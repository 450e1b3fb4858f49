package escalation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"
	"maintflow/internal/notification"
	"maintflow/internal/testutil"
	"maintflow/internal/worker/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db   *gorm.DB
	repo *maintenance.Repository
	eval *Evaluator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	models := append(maintenance.Models(), &jobs.Job{})
	db := testutil.NewDB(t, models...)
	repo := maintenance.NewRepository(db)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return &fixture{
		db:   db,
		repo: repo,
		eval: NewEvaluator(repo, jobs.NewGormStore(db), opts...),
	}
}

func (f *fixture) rule(t *testing.T, r maintenance.EscalationRule) {
	r.Active = true
	require.NoError(t, f.db.Create(&r).Error)
}

func (f *fixture) workOrder(t *testing.T, id string, status maintenance.WorkOrderStatus, created time.Time, mutate ...func(*maintenance.WorkOrder)) {
	wo := &maintenance.WorkOrder{
		ID:          id,
		Title:       "货架倾斜 " + id,
		Type:        maintenance.TypeCorrective,
		Status:      status,
		Priority:    maintenance.PriorityHigh,
		WarehouseID: "WH1",
		CreatedAt:   created,
	}
	for _, m := range mutate {
		m(wo)
	}
	require.NoError(t, f.db.Create(wo).Error)
}

func (f *fixture) get(t *testing.T, id string) *maintenance.WorkOrder {
	wo, err := f.repo.GetWorkOrder(context.Background(), id)
	require.NoError(t, err)
	return wo
}

func (f *fixture) notifications(t *testing.T) []tasks.NotificationSendPayload {
	var rows []jobs.Job
	require.NoError(t, f.db.Where("job_type = ?", tasks.TypeNotificationSend).Order("id").Find(&rows).Error)
	out := make([]tasks.NotificationSendPayload, 0, len(rows))
	for i := range rows {
		assert.Equal(t, jobs.StatusPending, rows[i].Status)
		var p tasks.NotificationSendPayload
		require.NoError(t, rows[i].Decode(&p))
		out = append(out, p)
	}
	return out
}

func supervisorRule() maintenance.EscalationRule {
	return maintenance.EscalationRule{
		ID:               "R1",
		WorkOrderType:    maintenance.TypeCorrective,
		Priority:         maintenance.PriorityHigh,
		TimeoutHours:     4,
		EscalationAction: maintenance.ActionNotifySupervisor,
		EscalateTo:       "U1",
	}
}

func TestScan_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rule(t, supervisorRule())
	f.workOrder(t, "W1", maintenance.StatusNew, t0)

	actions, err := f.eval.Scan(ctx, t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "W1", actions[0].WorkOrderID)
	assert.Equal(t, 1, actions[0].Level)
	assert.NotZero(t, actions[0].JobID)

	wo := f.get(t, "W1")
	assert.Equal(t, 1, wo.EscalationLevel)
	assert.True(t, wo.Escalated)
	require.NotNil(t, wo.LastEscalatedAt)
	assert.True(t, t0.Add(5*time.Hour).Equal(*wo.LastEscalatedAt))
	assert.Equal(t, maintenance.StatusNew, wo.Status)

	history, err := f.repo.ListHistory(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "R1", history[0].RuleID)
	assert.Equal(t, 1, history[0].EscalationLevel)
	assert.Equal(t, "U1", history[0].EscalatedTo)

	sent := f.notifications(t)
	require.Len(t, sent, 1)
	assert.Equal(t, "U1", sent[0].UserID)
	assert.Equal(t, notification.TypeWorkOrderEscalated, sent[0].Type)
	assert.Equal(t, "W1", sent[0].RelatedEntity.ID)
}

func TestScan_NotYetDue(t *testing.T) {
	f := newFixture(t)
	f.rule(t, supervisorRule())
	f.workOrder(t, "W1", maintenance.StatusAssigned, t0)

	actions, err := f.eval.Scan(context.Background(), t0.Add(4*time.Hour-time.Second))
	require.NoError(t, err)
	assert.Empty(t, actions)

	// 恰好到达时限即升级
	actions, err = f.eval.Scan(context.Background(), t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestScan_InactiveWorkOrdersNeverEscalate(t *testing.T) {
	f := newFixture(t)
	f.rule(t, supervisorRule())
	for _, st := range maintenance.InactiveStatuses {
		f.workOrder(t, "W-"+string(st), st, t0.AddDate(-1, 0, 0))
	}

	actions, err := f.eval.Scan(context.Background(), t0)
	require.NoError(t, err)
	assert.Empty(t, actions)
	for _, st := range maintenance.InactiveStatuses {
		wo := f.get(t, "W-"+string(st))
		assert.Zero(t, wo.EscalationLevel)
		assert.False(t, wo.Escalated)
	}
	assert.Empty(t, f.notifications(t))
}

func TestScan_OncePerPassAndRepeatWindows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rule(t, supervisorRule())
	f.workOrder(t, "W1", maintenance.StatusInProgress, t0)

	// 远超多个时限，一次扫描也只升一级
	_, err := f.eval.Scan(ctx, t0.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, f.get(t, "W1").EscalationLevel)

	// 上次升级后未满一个时限
	actions, err := f.eval.Scan(ctx, t0.Add(16*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, actions)

	actions, err = f.eval.Scan(ctx, t0.Add(17*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 2, actions[0].Level)

	history, err := f.repo.ListHistory(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []int{1, 2}, []int{history[0].EscalationLevel, history[1].EscalationLevel})
	assert.Len(t, f.notifications(t), 2)
}

func TestMatchRule(t *testing.T) {
	wo := &maintenance.WorkOrder{Type: maintenance.TypeCorrective, Priority: maintenance.PriorityHigh, WarehouseID: "WH1"}
	base := func(id string, hours int) maintenance.EscalationRule {
		r := supervisorRule()
		r.ID, r.TimeoutHours, r.Active = id, hours, true
		return r
	}

	inactive := base("r00", 1)
	inactive.Active = false
	otherWarehouse := base("r01", 1)
	otherWarehouse.WarehouseID = "WH9"
	otherPriority := base("r02", 1)
	otherPriority.Priority = maintenance.PriorityLow
	sameWarehouse := base("r3", 4)
	sameWarehouse.WarehouseID = "WH1"

	rules := []maintenance.EscalationRule{
		base("r0", 8), base("r2", 4), sameWarehouse, base("r1", 4),
		inactive, otherWarehouse, otherPriority,
	}
	got := MatchRule(rules, wo)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)

	wo.Type = maintenance.TypeEmergency
	assert.Nil(t, MatchRule(rules, wo))
}

func TestScan_TieBreakUsesStrictestRule(t *testing.T) {
	f := newFixture(t)
	strict := supervisorRule()
	strict.ID, strict.TimeoutHours, strict.EscalateTo = "R-strict", 2, "U2"
	f.rule(t, supervisorRule())
	f.rule(t, strict)
	f.workOrder(t, "W1", maintenance.StatusNew, t0)

	actions, err := f.eval.Scan(context.Background(), t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "R-strict", actions[0].RuleID)
	assert.Equal(t, "U2", actions[0].To)
}

func TestScan_NoMatchingRuleLeavesWorkOrder(t *testing.T) {
	f := newFixture(t)
	f.rule(t, supervisorRule())
	f.workOrder(t, "W1", maintenance.StatusNew, t0, func(wo *maintenance.WorkOrder) {
		wo.Priority = maintenance.PriorityLow
	})

	actions, err := f.eval.Scan(context.Background(), t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Zero(t, f.get(t, "W1").EscalationLevel)
}

func TestScan_AutoReassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := supervisorRule()
	r.EscalationAction, r.EscalateTo = maintenance.ActionAutoReassign, "U9"
	f.rule(t, r)
	f.workOrder(t, "W1", maintenance.StatusAssigned, t0, func(wo *maintenance.WorkOrder) {
		wo.AssignedTo = "U2"
	})

	actions, err := f.eval.Scan(ctx, t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "U2", actions[0].From)

	wo := f.get(t, "W1")
	assert.Equal(t, "U9", wo.AssignedTo)
	assert.Equal(t, maintenance.StatusAssigned, wo.Status)

	history, err := f.repo.ListHistory(ctx, "W1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "U2", history[0].EscalatedFrom)
	assert.Equal(t, "U9", history[0].EscalatedTo)

	sent := f.notifications(t)
	require.Len(t, sent, 1)
	assert.Equal(t, notification.TypeWorkOrderReassigned, sent[0].Type)
}

func TestScan_RoleBasedRecipient(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&maintenance.Warehouse{
		ID: "WH1", Name: "一号仓", SupervisorID: "SUP1", ManagerID: "MGR1",
	}).Error)

	manager := supervisorRule()
	manager.ID, manager.EscalateTo, manager.EscalationAction = "R-mgr", "", maintenance.ActionNotifyManager
	manager.Priority = maintenance.PriorityCritical
	supervisor := supervisorRule()
	supervisor.EscalateTo = ""
	f.rule(t, manager)
	f.rule(t, supervisor)

	f.workOrder(t, "W1", maintenance.StatusNew, t0)
	f.workOrder(t, "W2", maintenance.StatusNew, t0, func(wo *maintenance.WorkOrder) {
		wo.Priority = maintenance.PriorityCritical
	})

	actions, err := f.eval.Scan(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "SUP1", actions[0].To)
	assert.Equal(t, "MGR1", actions[1].To)
}

func TestScan_MissingRecipientIsIsolated(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&maintenance.Warehouse{ID: "WH1", Name: "一号仓", SupervisorID: "SUP1"}).Error)
	require.NoError(t, f.db.Create(&maintenance.Warehouse{ID: "WH2", Name: "二号仓"}).Error)

	global := supervisorRule()
	global.EscalateTo = ""
	f.rule(t, global)

	f.workOrder(t, "W1", maintenance.StatusNew, t0, func(wo *maintenance.WorkOrder) { wo.WarehouseID = "WH-missing" })
	f.workOrder(t, "W2", maintenance.StatusNew, t0, func(wo *maintenance.WorkOrder) { wo.WarehouseID = "WH2" })
	f.workOrder(t, "W3", maintenance.StatusNew, t0)

	actions, err := f.eval.Scan(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "W3", actions[0].WorkOrderID)
	assert.Zero(t, f.get(t, "W1").EscalationLevel)
	assert.Zero(t, f.get(t, "W2").EscalationLevel)
}

func TestScan_PagesThroughAllWorkOrders(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	f.rule(t, supervisorRule())
	for i := 0; i < 5; i++ {
		f.workOrder(t, fmt.Sprintf("W%d", i), maintenance.StatusNew, t0)
	}
	f.workOrder(t, "W9", maintenance.StatusClosed, t0)

	actions, err := f.eval.Scan(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 5)
	for i, a := range actions {
		assert.Equal(t, fmt.Sprintf("W%d", i), a.WorkOrderID)
	}
}

func TestScan_WarehouseScopedRule(t *testing.T) {
	f := newFixture(t)
	r := supervisorRule()
	r.WarehouseID = "WH2"
	f.rule(t, r)
	f.workOrder(t, "W1", maintenance.StatusNew, t0)
	f.workOrder(t, "W2", maintenance.StatusNew, t0, func(wo *maintenance.WorkOrder) { wo.WarehouseID = "WH2" })

	actions, err := f.eval.Scan(context.Background(), t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "W2", actions[0].WorkOrderID)
}
