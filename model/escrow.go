package model

import (
	"encoding/json"
	"time"
)

const (
	TransferStatusPending         = "pending"
	TransferStatusRetrying        = "retrying"
	TransferStatusSucceeded       = "succeeded"
	TransferStatusFailedPermanent = "failed_permanent"
)

// Reasons recorded in PaymentTransfer.LastError by the engine itself.
const (
	TransferErrorRefunded      = "refunded"
	TransferErrorDisputeLost   = "dispute_lost"
	TransferErrorTakerNotReady = "taker_not_ready"
	TransferErrorDisputeFrozen = "dispute_frozen"
)

type PaymentTransfer struct {
	ID             string     `json:"id"`
	TaskID         int64      `json:"task_id"`
	TakerID        string     `json:"taker_id"`
	PosterID       string     `json:"poster_id"`
	Amount         Money      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	TransferID     *string    `json:"transfer_id,omitempty"`
	ReversedAmount Money      `json:"reversed_amount"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      *string    `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// InFlight reports whether the worker may still pick the transfer up.
func (p *PaymentTransfer) InFlight() bool {
	return p.Status == TransferStatusPending || p.Status == TransferStatusRetrying
}

// Net is what the taker kept from a succeeded transfer after reversals.
func (p *PaymentTransfer) Net() Money {
	if p.Status != TransferStatusSucceeded {
		return 0
	}
	return p.Amount.SubFloor(p.ReversedAmount)
}

func (p *PaymentTransfer) SetLastError(reason string) {
	p.LastError = strPtr(reason)
}

// NetTransferred sums what the taker kept across transfers.
func NetTransferred(transfers []PaymentTransfer) Money {
	var total Money
	for i := range transfers {
		total += transfers[i].Net()
	}
	return total
}

// InFlightTransfer returns the single pending or retrying transfer, if any.
func InFlightTransfer(transfers []PaymentTransfer) *PaymentTransfer {
	for i := range transfers {
		if transfers[i].InFlight() {
			return &transfers[i]
		}
	}
	return nil
}

const (
	RefundStatusPending    = "pending"
	RefundStatusApproved   = "approved"
	RefundStatusProcessing = "processing"
	RefundStatusCompleted  = "completed"
	RefundStatusRejected   = "rejected"
)

const (
	RefundTypeFull    = "full"
	RefundTypePartial = "partial"
)

// Outcomes returned by refund approval.
const (
	RefundOutcomeCompleted  = "completed"
	RefundOutcomeRolledBack = "rolled_back"
)

// MaxRefundRollbacks bounds how often a request may fall back from processing to pending.
const MaxRefundRollbacks = 1

type RefundRequest struct {
	ID                  string     `json:"id"`
	TaskID              int64      `json:"task_id"`
	PosterID            string     `json:"poster_id"`
	ReasonType          string     `json:"reason_type"`
	Reason              string     `json:"reason,omitempty"`
	RefundType          string     `json:"refund_type"`
	RequestedAmount     Money      `json:"requested_amount"`
	Status              string     `json:"status"`
	AdminRefundAmount   *Money     `json:"admin_refund_amount,omitempty"`
	RefundIntentID      *string    `json:"refund_intent_id,omitempty"`
	RefundTransferID    *string    `json:"refund_transfer_id,omitempty"`
	ReversedAmount      Money      `json:"reversed_amount"`
	ManualReconcile     bool       `json:"manual_reconcile"`
	ResultingTaskStatus *string    `json:"resulting_task_status,omitempty"`
	ReviewedBy          *string    `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
	AdminComment        *string    `json:"admin_comment,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	RollbackCount       int        `json:"rollback_count"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Amount is the admin override when present, else what the poster requested.
func (r *RefundRequest) Amount() Money {
	if r.AdminRefundAmount != nil {
		return *r.AdminRefundAmount
	}
	return r.RequestedAmount
}

// Open reports whether the request still blocks other money movements on the task.
func (r *RefundRequest) Open() bool {
	return r.Status == RefundStatusPending || r.Status == RefundStatusApproved || r.Status == RefundStatusProcessing
}

// CompletedRefunds sums the approved amount of completed requests.
func CompletedRefunds(refunds []RefundRequest) Money {
	var total Money
	for i := range refunds {
		if refunds[i].Status == RefundStatusCompleted {
			total += refunds[i].Amount()
		}
	}
	return total
}

// OpenRefund returns the request still under review or in flight, if any.
func OpenRefund(refunds []RefundRequest) *RefundRequest {
	for i := range refunds {
		if refunds[i].Open() {
			return &refunds[i]
		}
	}
	return nil
}

// RefundOutcome is the result of approving a refund request.
type RefundOutcome struct {
	Outcome string         `json:"outcome"`
	Refund  *RefundRequest `json:"refund"`
	Task    *Task          `json:"task"`
}

const (
	EntityTask     = "task"
	EntityTransfer = "payment_transfer"
	EntityRefund   = "refund_request"
)

const (
	AuditEscrowFunded        = "escrow.funded"
	AuditRefundRequested     = "refund.requested"
	AuditRefundApproved      = "refund.approved"
	AuditRefundRejected      = "refund.rejected"
	AuditRefundFailed        = "refund.failed"
	AuditRefundStuck         = "refund.stuck"
	AuditRefundOrphaned      = "refund.orphaned"
	AuditTaskMarkedDone      = "task.marked_done"
	AuditTaskConfirmed       = "task.confirmed"
	AuditTransferSucceeded   = "transfer.succeeded"
	AuditTransferFailed      = "transfer.failed"
	AuditTransferRequeued    = "transfer.requeued"
	AuditTransferReversed    = "transfer.reversed"
	AuditDisputeFrozen       = "dispute.frozen"
	AuditDisputeUnfrozen     = "dispute.unfrozen"
	AuditDisputeLost         = "dispute.lost"
	AuditManualReconcileNote = "transfer.manual_reconcile"
)

// AuditEvent is an append-only record of a state change.
type AuditEvent struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	IP         *string         `json:"ip,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAuditEvent snapshots before and after as JSON.
func NewAuditEvent(entityType, entityID, action string, actor Actor, before, after interface{}, at time.Time) AuditEvent {
	event := AuditEvent{
		ID:         GenerateUUIDWithSuffix("audit"),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actor.ID,
		Before:     snapshot(before),
		After:      snapshot(after),
		CreatedAt:  at,
	}
	if actor.IP != "" {
		event.IP = strPtr(actor.IP)
	}
	return event
}

func snapshot(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
