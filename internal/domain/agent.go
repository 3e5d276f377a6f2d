package domain

import "time"

// Agent - персона бота. Один агент обслуживает многих пользователей,
// у каждой пары (агент, пользователь) своя кабинка.
type Agent struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Role            string `json:"role"`
	Image           string `json:"docker_image"`
	RequireApproval bool   `json:"require_approval"` // HITL для опасных команд внутри кабинки
	IsActive        bool   `json:"is_active"`

	// Переопределения провайдера/модели (пусто - берем дефолты из настроек)
	Provider string `json:"llm_provider,omitempty"`
	Model    string `json:"llm_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
