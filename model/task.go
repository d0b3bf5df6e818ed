package model

import "time"

const (
	TaskStatusOpen                = "open"
	TaskStatusTaken               = "taken"
	TaskStatusInProgress          = "in_progress"
	TaskStatusPendingConfirmation = "pending_confirmation"
	TaskStatusCompleted           = "completed"
	TaskStatusCancelled           = "cancelled"
)

// Task carries the escrow relevant columns of a marketplace task.
type Task struct {
	TaskID              int64      `json:"task_id"`
	PosterID            string     `json:"poster_id"`
	TakerID             *string    `json:"taker_id,omitempty"`
	Status              string     `json:"status"`
	TaskSource          string     `json:"task_source"`
	TaskType            string     `json:"task_type"`
	BaseReward          Money      `json:"base_reward"`
	AgreedReward        *Money     `json:"agreed_reward,omitempty"`
	CapturedAmount      Money      `json:"captured_amount"`
	IsPaid              bool       `json:"is_paid"`
	EscrowAmount        Money      `json:"escrow_amount"`
	PaymentIntentID     *string    `json:"payment_intent_id,omitempty"`
	ChargeID            *string    `json:"charge_id,omitempty"`
	PaidToUserID        *string    `json:"paid_to_user_id,omitempty"`
	IsConfirmed         bool       `json:"is_confirmed"`
	AutoConfirmed       bool       `json:"auto_confirmed"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	AutoConfirmDueAt    *time.Time `json:"auto_confirm_due_at,omitempty"`
	CompletionEvidence  string     `json:"completion_evidence,omitempty"`
	StripeDisputeFrozen bool       `json:"stripe_dispute_frozen"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Reward is the agreed reward, falling back to the base reward.
func (t *Task) Reward() Money {
	if t.AgreedReward != nil {
		return *t.AgreedReward
	}
	return t.BaseReward
}

func (t *Task) Taker() string {
	if t.TakerID == nil {
		return ""
	}
	return *t.TakerID
}

func (t *Task) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == t.PosterID || userID == t.Taker()
}

// Participants returns the poster and, when assigned, the taker.
func (t *Task) Participants() []string {
	if t.TakerID == nil {
		return []string{t.PosterID}
	}
	return []string{t.PosterID, *t.TakerID}
}

// IsActive reports whether work on the task is still underway.
func (t *Task) IsActive() bool {
	switch t.Status {
	case TaskStatusTaken, TaskStatusInProgress, TaskStatusPendingConfirmation:
		return true
	}
	return false
}

func (t *Task) Clone() *Task {
	c := *t
	if t.TakerID != nil {
		c.TakerID = strPtr(*t.TakerID)
	}
	if t.AgreedReward != nil {
		reward := *t.AgreedReward
		c.AgreedReward = &reward
	}
	if t.PaymentIntentID != nil {
		c.PaymentIntentID = strPtr(*t.PaymentIntentID)
	}
	if t.ChargeID != nil {
		c.ChargeID = strPtr(*t.ChargeID)
	}
	if t.PaidToUserID != nil {
		c.PaidToUserID = strPtr(*t.PaidToUserID)
	}
	if t.ConfirmedAt != nil {
		at := *t.ConfirmedAt
		c.ConfirmedAt = &at
	}
	if t.AutoConfirmDueAt != nil {
		at := *t.AutoConfirmDueAt
		c.AutoConfirmDueAt = &at
	}
	return &c
}

// PayoutAccount maps a taker to the connected processor account receiving transfers.
type PayoutAccount struct {
	UserID           string    `json:"user_id"`
	ConnectAccountID string    `json:"connect_account_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
