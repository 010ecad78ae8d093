package domain

import (
	"runtime"
	"strconv"
	"time"
)

type NotificationReason string

const (
	ReasonKickoff        NotificationReason = "kickoff"
	ReasonUpstreamDone   NotificationReason = "upstream-done"
	ReasonNeedsAttention NotificationReason = "needs-attention"
	ReasonRetry          NotificationReason = "retry"
)

// Notification is a delivery hint, not a command. It may be dropped,
// duplicated, or reordered; receivers re-check readiness and race for the
// lease, so correctness never rests on it arriving.
type Notification struct {
	ID         string             `json:"id"`
	WorkflowID string             `json:"workflow_id"`
	State      string             `json:"state,omitempty"`
	Reason     NotificationReason `json:"reason"`
	Assignee   string             `json:"assignee,omitempty"`
	EmittedAt  time.Time          `json:"emitted_at"`
	Async      bool               `json:"async"`
}

// Kickoff reports whether this hint came from workflow submission rather
// than an upstream completion.
func (n *Notification) Kickoff() bool {
	return n.Reason == ReasonKickoff
}

type WorkflowSeededEvent struct {
	WorkflowID  string    `json:"workflow_id"`
	StartStates []string  `json:"start_states"`
	SeededAt    time.Time `json:"seeded_at"`
}

type StateTransitionEvent struct {
	WorkflowID string    `json:"workflow_id"`
	State      string    `json:"state"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Attempts   int       `json:"attempts"`
	Worker     string    `json:"worker,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Error      string    `json:"error,omitempty"`
}

type LeaseTakenOverEvent struct {
	WorkflowID    string    `json:"workflow_id"`
	State         string    `json:"state"`
	PreviousOwner string    `json:"previous_owner"`
	NewOwner      string    `json:"new_owner"`
	ExpiredAt     time.Time `json:"expired_at"`
	TakenAt       time.Time `json:"taken_at"`
}

type WorkflowFinalizedEvent struct {
	WorkflowID  string        `json:"workflow_id"`
	Status      SummaryStatus `json:"status"`
	FinalizedAt time.Time     `json:"finalized_at"`
	Duration    time.Duration `json:"duration"`
}

type SkillPanicError struct {
	WorkflowID  string      `json:"workflow_id"`
	State       string      `json:"state"`
	Skill       string      `json:"skill"`
	PanicValue  interface{} `json:"panic_value"`
	StackTrace  string      `json:"stack_trace"`
	Timestamp   time.Time   `json:"timestamp"`
	RecoveredAt string      `json:"recovered_at"`
}

func (e *SkillPanicError) Error() string {
	return "skill execution panicked: " + e.Skill
}

func NewPanicError(workflowID, state, skill string, panicValue interface{}) *SkillPanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	pc, file, line, ok := runtime.Caller(2)
	recoveredAt := "unknown"
	if ok {
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			recoveredAt = fn.Name() + " at " + file + ":" + strconv.Itoa(line)
		}
	}

	return &SkillPanicError{
		WorkflowID:  workflowID,
		State:       state,
		Skill:       skill,
		PanicValue:  panicValue,
		StackTrace:  string(buf[:n]),
		Timestamp:   time.Now(),
		RecoveredAt: recoveredAt,
	}
}
