package domain

import "time"

const (
	NotificationMention       = "mention"
	NotificationAssignment    = "assignment"
	NotificationProjectInvite = "project_invite"
)

// Notification is a persisted personal notification as returned by the REST
// notification listing.
type Notification struct {
	ID          string    `json:"_id"`
	Recipient   string    `json:"recipient"`
	Sender      User      `json:"sender"`
	Type        string    `json:"type"`
	ReferenceID string    `json:"referenceId,omitempty"`
	Message     string    `json:"message"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (n Notification) EntityID() string { return n.ID }

// Version falls back to the creation time for notifications that were never
// updated.
func (n Notification) Version() time.Time {
	if n.UpdatedAt.IsZero() {
		return n.CreatedAt
	}
	return n.UpdatedAt
}
