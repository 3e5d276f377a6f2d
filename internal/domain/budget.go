package domain

import "time"

// DateLayout формат lastResetDate. Сравниваем строки, а не time.Time,
// чтобы сброс зависел только от календарной даты в UTC.
const DateLayout = "2006-01-02"

// Budget дневной лимит и текущий расход агента (в долларах).
type Budget struct {
	AgentID       int64   `json:"agent_id"`
	DailyLimit    float64 `json:"daily_limit_usd"`
	CurrentSpend  float64 `json:"current_spend_usd"`
	LastResetDate string  `json:"last_reset_date"`
}

// UTCDate возвращает календарную дату t в UTC.
func UTCDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Allows true, пока расход строго меньше лимита.
func (b Budget) Allows() bool {
	return b.CurrentSpend < b.DailyLimit
}
