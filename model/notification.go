package model

import "time"

// Notification kinds emitted by the engines.
const (
	NotificationEscrowFunded    = "escrow_funded"
	NotificationRefundRequested = "refund_requested"
	NotificationRefundApproved  = "refund_approved"
	NotificationRefundRejected  = "refund_rejected"
	NotificationRefundFailed    = "refund_failed"
	NotificationTaskMarkedDone  = "task_marked_done"
	NotificationTaskConfirmed   = "task_confirmed"
	NotificationPaymentReceived = "payment_received"
	NotificationTransferFailed  = "transfer_failed"
	NotificationDisputeOpened   = "dispute_opened"
	NotificationDisputeResolved = "dispute_resolved"
	NotificationNewMessage      = "new_message"
	NotificationOperatorAlert   = "operator_alert"
	NotificationChatClosed      = "customer_service_closed"
)

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Title     *string    `json:"title,omitempty"`
	Content   string     `json:"content"`
	RelatedID *string    `json:"related_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

type DeviceToken struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Token             string     `json:"token"`
	Platform          string     `json:"platform"`
	Language          string     `json:"language"`
	IsActive          bool       `json:"is_active"`
	DeactivatedReason *string    `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// PushTemplate is the localized text for a notification type. Title and Body
// are text/template sources fed with the event variables.
type PushTemplate struct {
	NotificationType string `json:"notification_type"`
	Language         string `json:"language"`
	Title            string `json:"title"`
	Body             string `json:"body"`
}

// PushJob is the queued unit of work for the push worker.
type PushJob struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Type           string            `json:"type"`
	Variables      map[string]string `json:"variables"`
	Locale         string            `json:"locale"`
	// DeviceToken narrows the job to a single device.
	DeviceToken string `json:"device_token,omitempty"`
}
