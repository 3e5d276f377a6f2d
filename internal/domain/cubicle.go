package domain

import (
	"fmt"
	"time"
)

type CubicleState string

const (
	StateAbsent  CubicleState = "absent"
	StateStopped CubicleState = "stopped"
	StateRunning CubicleState = "running"
)

// Cubicle - экземпляр песочницы. Логический ключ (AgentID, UserID),
// ID контейнера хоста вторичен и между запросами не кэшируется.
type Cubicle struct {
	ID           string       `json:"id"`
	AgentID      int64        `json:"agent_id"`
	UserID       int64        `json:"user_id"`
	Image        string       `json:"image"`
	State        CubicleState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
}

func (c *Cubicle) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// CubicleConfig всё, что нужно менеджеру, чтобы найти или создать кабинку.
type CubicleConfig struct {
	AgentID         int64
	UserID          int64
	AgentName       string
	AgentRole       string
	Image           string
	RequireApproval bool
	Provider        string
	Model           string
}

// WorkspaceID имя каталога рабочего пространства: "{agentId}_{userId}".
func WorkspaceID(agentID, userID int64) string {
	return fmt.Sprintf("%d_%d", agentID, userID)
}
