package domain

// Message элемент истории диалога, уходит в кабинку base64-JSON'ом.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProgressFunc колбэк для чата/дашборда: короткий статус и детали.
type ProgressFunc func(status, details string)

// InvokeRequest то, что присылает чат или дашборд.
type InvokeRequest struct {
	AgentID          int64     `json:"agent_id"`
	UserID           int64     `json:"user_id"`
	Message          string    `json:"message"`
	History          []Message `json:"history,omitempty"`
	MaxOutputTokens  int       `json:"max_output_tokens"`
	ProviderOverride string    `json:"provider,omitempty"`
	ModelOverride    string    `json:"model,omitempty"`

	OnProgress ProgressFunc `json:"-"`
}

type InvokeResult struct {
	Output    string  `json:"output"`
	CubicleID string  `json:"cubicle_id"`
	Cost      float64 `json:"cost_usd"`
	TimedOut  bool    `json:"timed_out,omitempty"`
}
