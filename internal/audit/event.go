package audit

import "time"

// Статусы вызова агента
const (
	StatusSuccess        = "SUCCESS"
	StatusTimedOut       = "TIMED_OUT"
	StatusFailed         = "FAILED"
	StatusBlocked        = "BLOCKED"
	StatusBudgetExceeded = "BUDGET_EXCEEDED"
	StatusConfigError    = "CONFIG_ERROR"
)

// InvocationEvent - одна запись журнала на каждый invokeAgent.
type InvocationEvent struct {
	ID        string `json:"id"`       // UUID события
	TraceID   string `json:"trace_id"` // Сквозной ID запроса
	AgentID   int64  `json:"agent_id"`
	UserID    int64  `json:"user_id"`
	CubicleID string `json:"cubicle_id,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Status      string    `json:"status"`
	Commands    int       `json:"commands"`
	Approvals   int       `json:"approvals"`
	OutputChars int       `json:"output_chars"`
	CostUSD     float64   `json:"cost_usd"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
