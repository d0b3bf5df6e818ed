/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"time"

	"github.com/errandhq/errand/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	task         // Task rows carrying escrow state
	escrow       // Transfers, refund requests, audit trail and the task lock
	conversation // Messages, attachments, read cursors and customer service chats
	notification // Notification rows, device tokens and push templates
}

type task interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, taskID int64) (*model.Task, error)
	// GetTasksDueForAutoConfirm lists unfrozen tasks awaiting confirmation past their due time
	// that have no open refund request.
	GetTasksDueForAutoConfirm(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

type escrow interface {
	// WithLockedTask locks the task row, runs fn and commits, or rolls back when fn fails.
	WithLockedTask(ctx context.Context, taskID int64, fn func(task *model.Task, tx EscrowTx) error) error
	FindReadyTransfers(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.PaymentTransfer, error)
	GetTransfer(ctx context.Context, id string) (*model.PaymentTransfer, error)
	GetTransfersByTask(ctx context.Context, taskID int64) ([]model.PaymentTransfer, error)
	GetRefundRequest(ctx context.Context, id string) (*model.RefundRequest, error)
	GetRefundRequestsByTask(ctx context.Context, taskID int64) ([]model.RefundRequest, error)
	FindStuckRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]model.RefundRequest, error)
	GetAuditEvents(ctx context.Context, entityType, entityID string) ([]model.AuditEvent, error)
	GetPayoutAccount(ctx context.Context, userID string) (*model.PayoutAccount, error)
	UpsertPayoutAccount(ctx context.Context, account *model.PayoutAccount) error
}

// EscrowTx is the store as seen from inside a task critical section. Transfers
// and refund requests are scoped to the locked task.
type EscrowTx interface {
	SaveTask(task *model.Task) error
	GetTransfers() ([]model.PaymentTransfer, error)
	CreateTransfer(transfer *model.PaymentTransfer) error
	UpdateTransfer(transfer *model.PaymentTransfer) error
	GetRefundRequests() ([]model.RefundRequest, error)
	CreateRefundRequest(refund *model.RefundRequest) error
	UpdateRefundRequest(refund *model.RefundRequest) error
	RecordAudit(event *model.AuditEvent) error
}

type conversation interface {
	// AppendMessage assigns the next ordinal of the conversation and persists the message
	// with its attachments. Duplicates fail with DUPLICATE_REQUEST.
	AppendMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListMessages(ctx context.Context, conversationKey string, afterID int64, limit int) ([]model.Message, error)
	UpdateMessageMeta(ctx context.Context, id int64, meta map[string]interface{}) error
	// AdvanceReadCursor moves the cursor forward only; it reports whether it moved.
	AdvanceReadCursor(ctx context.Context, conversationKey, userID string, messageID int64, at time.Time) (bool, error)
	GetReadCursor(ctx context.Context, conversationKey, userID string) (*model.ReadCursor, error)
	CountUnread(ctx context.Context, conversationKey, userID string) (int64, error)
	GetAttachmentByBlobID(ctx context.Context, blobID string) (*model.MessageAttachment, *model.Message, error)
	CreateCustomerServiceChat(ctx context.Context, chat *model.CustomerServiceChat) error
	GetCustomerServiceChat(ctx context.Context, chatID string) (*model.CustomerServiceChat, error)
	CloseCustomerServiceChat(ctx context.Context, chatID string, at time.Time) error
}

type notification interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
	RegisterDeviceToken(ctx context.Context, token *model.DeviceToken) error
	GetActiveDeviceTokens(ctx context.Context, userID string) ([]model.DeviceToken, error)
	DeactivateDeviceToken(ctx context.Context, token, reason string, at time.Time) error
	GetPushTemplate(ctx context.Context, notificationType, language string) (*model.PushTemplate, error)
	UpsertPushTemplate(ctx context.Context, tpl *model.PushTemplate) error
}
