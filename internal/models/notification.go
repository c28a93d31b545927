package models

import (
	"time"
)

type NotificationType string

const (
	NotificationStockAlert        NotificationType = "stock_alert"
	NotificationActivityCompleted NotificationType = "activity_completed"
	NotificationAssignmentChanged NotificationType = "assignment_changed"
	NotificationSystem            NotificationType = "system"
)

type NotificationPriority string

const (
	PriorityLow      NotificationPriority = "low"
	PriorityMedium   NotificationPriority = "medium"
	PriorityHigh     NotificationPriority = "high"
	PriorityCritical NotificationPriority = "critical"
)

// NotificationEvent is a user-facing alert derived from domain rules.
// An empty TargetUsers list means every connected client receives it.
type NotificationEvent struct {
	ID          string               `json:"id"`
	Type        NotificationType     `json:"type"`
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	Data        map[string]any       `json:"data,omitempty"`
	TargetUsers []string             `json:"target_users,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Priority    NotificationPriority `json:"priority"`
}

// Targets reports whether the notification should be delivered to userID.
func (n *NotificationEvent) Targets(userID string) bool {
	if len(n.TargetUsers) == 0 {
		return true
	}
	for _, id := range n.TargetUsers {
		if id == userID {
			return true
		}
	}
	return false
}
