package domain

import (
	"sync/atomic"
	"time"
)

type RuntimeMetrics struct {
	WorkflowsStarted   int64 `json:"workflows_started"`
	WorkflowsFinalized int64 `json:"workflows_finalized"`

	LeasesAcquired  int64 `json:"leases_acquired"`
	LeasesLost      int64 `json:"leases_lost"`
	LeasesTakenOver int64 `json:"leases_taken_over"`
	LeasesRenewed   int64 `json:"leases_renewed"`

	NotificationsSent    int64 `json:"notifications_sent"`
	NotificationsDropped int64 `json:"notifications_dropped"`

	SkillsExecuted    int64 `json:"skills_executed"`
	SkillsSucceeded   int64 `json:"skills_succeeded"`
	SkillsFailed      int64 `json:"skills_failed"`
	SkillsSubstituted int64 `json:"skills_substituted"`

	StatesCompleted int64 `json:"states_completed"`
	StatesFailed    int64 `json:"states_failed"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	ExecutionCount       int64 `json:"execution_count"`
}

func NewRuntimeMetrics() *RuntimeMetrics {
	return &RuntimeMetrics{}
}

func (m *RuntimeMetrics) IncrementWorkflowsStarted() {
	atomic.AddInt64(&m.WorkflowsStarted, 1)
}

func (m *RuntimeMetrics) IncrementWorkflowsFinalized() {
	atomic.AddInt64(&m.WorkflowsFinalized, 1)
}

func (m *RuntimeMetrics) IncrementLeasesAcquired() {
	atomic.AddInt64(&m.LeasesAcquired, 1)
}

func (m *RuntimeMetrics) IncrementLeasesLost() {
	atomic.AddInt64(&m.LeasesLost, 1)
}

func (m *RuntimeMetrics) IncrementLeasesTakenOver() {
	atomic.AddInt64(&m.LeasesTakenOver, 1)
}

func (m *RuntimeMetrics) IncrementLeasesRenewed() {
	atomic.AddInt64(&m.LeasesRenewed, 1)
}

func (m *RuntimeMetrics) IncrementNotificationsSent() {
	atomic.AddInt64(&m.NotificationsSent, 1)
}

func (m *RuntimeMetrics) IncrementNotificationsDropped() {
	atomic.AddInt64(&m.NotificationsDropped, 1)
}

func (m *RuntimeMetrics) IncrementSkillsExecuted() {
	atomic.AddInt64(&m.SkillsExecuted, 1)
}

func (m *RuntimeMetrics) IncrementSkillsSucceeded() {
	atomic.AddInt64(&m.SkillsSucceeded, 1)
}

func (m *RuntimeMetrics) IncrementSkillsFailed() {
	atomic.AddInt64(&m.SkillsFailed, 1)
}

func (m *RuntimeMetrics) IncrementSkillsSubstituted() {
	atomic.AddInt64(&m.SkillsSubstituted, 1)
}

func (m *RuntimeMetrics) IncrementStatesCompleted() {
	atomic.AddInt64(&m.StatesCompleted, 1)
}

func (m *RuntimeMetrics) IncrementStatesFailed() {
	atomic.AddInt64(&m.StatesFailed, 1)
}

func (m *RuntimeMetrics) AddExecutionTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalExecutionTimeNs, int64(duration))
	atomic.AddInt64(&m.ExecutionCount, 1)
}

func (m *RuntimeMetrics) GetSnapshot() RuntimeMetrics {
	return RuntimeMetrics{
		WorkflowsStarted:     atomic.LoadInt64(&m.WorkflowsStarted),
		WorkflowsFinalized:   atomic.LoadInt64(&m.WorkflowsFinalized),
		LeasesAcquired:       atomic.LoadInt64(&m.LeasesAcquired),
		LeasesLost:           atomic.LoadInt64(&m.LeasesLost),
		LeasesTakenOver:      atomic.LoadInt64(&m.LeasesTakenOver),
		LeasesRenewed:        atomic.LoadInt64(&m.LeasesRenewed),
		NotificationsSent:    atomic.LoadInt64(&m.NotificationsSent),
		NotificationsDropped: atomic.LoadInt64(&m.NotificationsDropped),
		SkillsExecuted:       atomic.LoadInt64(&m.SkillsExecuted),
		SkillsSucceeded:      atomic.LoadInt64(&m.SkillsSucceeded),
		SkillsFailed:         atomic.LoadInt64(&m.SkillsFailed),
		SkillsSubstituted:    atomic.LoadInt64(&m.SkillsSubstituted),
		StatesCompleted:      atomic.LoadInt64(&m.StatesCompleted),
		StatesFailed:         atomic.LoadInt64(&m.StatesFailed),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		ExecutionCount:       atomic.LoadInt64(&m.ExecutionCount),
	}
}

func (m *RuntimeMetrics) GetAverageExecutionTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalExecutionTimeNs)
	count := atomic.LoadInt64(&m.ExecutionCount)

	if count == 0 {
		return 0
	}

	return time.Duration(totalNs / count)
}

func (m *RuntimeMetrics) Reset() {
	atomic.StoreInt64(&m.WorkflowsStarted, 0)
	atomic.StoreInt64(&m.WorkflowsFinalized, 0)
	atomic.StoreInt64(&m.LeasesAcquired, 0)
	atomic.StoreInt64(&m.LeasesLost, 0)
	atomic.StoreInt64(&m.LeasesTakenOver, 0)
	atomic.StoreInt64(&m.LeasesRenewed, 0)
	atomic.StoreInt64(&m.NotificationsSent, 0)
	atomic.StoreInt64(&m.NotificationsDropped, 0)
	atomic.StoreInt64(&m.SkillsExecuted, 0)
	atomic.StoreInt64(&m.SkillsSucceeded, 0)
	atomic.StoreInt64(&m.SkillsFailed, 0)
	atomic.StoreInt64(&m.SkillsSubstituted, 0)
	atomic.StoreInt64(&m.StatesCompleted, 0)
	atomic.StoreInt64(&m.StatesFailed, 0)
	atomic.StoreInt64(&m.TotalExecutionTimeNs, 0)
	atomic.StoreInt64(&m.ExecutionCount, 0)
}
