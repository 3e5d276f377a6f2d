package domain

// DashboardStats сводка для главной страницы консоли
type DashboardStats struct {
	HostStatus      string  `json:"host_status"` // online / offline
	ActiveCubicles  int     `json:"active_cubicles"`
	StoppedCubicles int     `json:"stopped_cubicles"`
	TotalAgents     int     `json:"total_agents"`
	ActiveAgents    int     `json:"active_agents"`
	PendingApproval int     `json:"pending_approvals"`
	TotalSpendToday float64 `json:"total_spend_today"`
}
