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
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

var (
	inFlightTransferStatuses = []string{model.TransferStatusPending, model.TransferStatusRetrying}
	openRefundStatuses       = []string{model.RefundStatusPending, model.RefundStatusApproved, model.RefundStatusProcessing}
)

const transferColumns = `id, task_id, taker_id, poster_id, amount, currency, status, transfer_id, reversed_amount,
	attempt_count, last_error, next_attempt_at, created_at, updated_at`

const refundColumns = `id, task_id, poster_id, reason_type, reason, refund_type, requested_amount, status,
	admin_refund_amount, refund_intent_id, refund_transfer_id, reversed_amount, manual_reconcile,
	resulting_task_status, reviewed_by, reviewed_at, admin_comment, processed_at, completed_at,
	rollback_count, last_error, created_at, updated_at`

// WithLockedTask takes a row-level exclusive lock on the task for the duration of fn.
func (d Datasource) WithLockedTask(ctx context.Context, taskID int64, fn func(task *model.Task, tx EscrowTx) error) error {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM errand.tasks WHERE task_id = $1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("task with ID '%d' not found", taskID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to lock task", err)
	}

	if err := fn(task, &escrowTx{ctx: ctx, tx: tx, taskID: taskID, now: d.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to commit transaction", err)
	}
	return nil
}

type escrowTx struct {
	ctx    context.Context
	tx     *sql.Tx
	taskID int64
	now    func() time.Time
}

func (e *escrowTx) SaveTask(task *model.Task) error {
	if task.TaskID != e.taskID {
		return apierror.NewAPIError(apierror.ErrInternal, "task does not belong to this critical section", nil)
	}
	return saveTask(e.ctx, e.tx, task, e.now())
}

func (e *escrowTx) GetTransfers() ([]model.PaymentTransfer, error) {
	rows, err := e.tx.QueryContext(e.ctx, `SELECT `+transferColumns+` FROM errand.payment_transfers WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, e.taskID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list transfers", err)
	}
	return collectTransfers(rows)
}

func (e *escrowTx) CreateTransfer(transfer *model.PaymentTransfer) error {
	if transfer.ID == "" {
		transfer.ID = model.GenerateUUIDWithSuffix("transfer")
	}
	now := e.now()
	transfer.CreatedAt, transfer.UpdatedAt = now, now
	transfer.TaskID = e.taskID

	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO errand.payment_transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		transfer.ID, transfer.TaskID, transfer.TakerID, transfer.PosterID, transfer.Amount, transfer.Currency,
		transfer.Status, transfer.TransferID, transfer.ReversedAmount, transfer.AttemptCount, transfer.LastError,
		transfer.NextAttemptAt, transfer.CreatedAt, transfer.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has a transfer in flight", e.taskID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create transfer", err)
	}
	return nil
}

func (e *escrowTx) UpdateTransfer(transfer *model.PaymentTransfer) error {
	transfer.UpdatedAt = e.now()
	_, err := e.tx.ExecContext(e.ctx, `
		UPDATE errand.payment_transfers SET
			status = $2, transfer_id = $3, reversed_amount = $4, attempt_count = $5, last_error = $6,
			next_attempt_at = $7, updated_at = $8
		WHERE id = $1 AND task_id = $9
	`,
		transfer.ID, transfer.Status, transfer.TransferID, transfer.ReversedAmount, transfer.AttemptCount,
		transfer.LastError, transfer.NextAttemptAt, transfer.UpdatedAt, e.taskID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has a transfer in flight", e.taskID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to update transfer", err)
	}
	return nil
}

func (e *escrowTx) GetRefundRequests() ([]model.RefundRequest, error) {
	rows, err := e.tx.QueryContext(e.ctx, `SELECT `+refundColumns+` FROM errand.refund_requests WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, e.taskID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list refund requests", err)
	}
	return collectRefunds(rows)
}

func (e *escrowTx) CreateRefundRequest(refund *model.RefundRequest) error {
	if refund.ID == "" {
		refund.ID = model.GenerateUUIDWithSuffix("refund")
	}
	now := e.now()
	refund.CreatedAt, refund.UpdatedAt = now, now
	refund.TaskID = e.taskID

	_, err := e.tx.ExecContext(e.ctx, `
		INSERT INTO errand.refund_requests (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, refundArgs(refund)...)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has an open refund request", e.taskID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create refund request", err)
	}
	return nil
}

func (e *escrowTx) UpdateRefundRequest(refund *model.RefundRequest) error {
	refund.UpdatedAt = e.now()
	_, err := e.tx.ExecContext(e.ctx, `
		UPDATE errand.refund_requests SET
			status = $2, admin_refund_amount = $3, refund_intent_id = $4, refund_transfer_id = $5,
			reversed_amount = $6, manual_reconcile = $7, resulting_task_status = $8, reviewed_by = $9,
			reviewed_at = $10, admin_comment = $11, processed_at = $12, completed_at = $13,
			rollback_count = $14, last_error = $15, updated_at = $16
		WHERE id = $1 AND task_id = $17
	`,
		refund.ID, refund.Status, refund.AdminRefundAmount, refund.RefundIntentID, refund.RefundTransferID,
		refund.ReversedAmount, refund.ManualReconcile, refund.ResultingTaskStatus, refund.ReviewedBy,
		refund.ReviewedAt, refund.AdminComment, refund.ProcessedAt, refund.CompletedAt,
		refund.RollbackCount, refund.LastError, refund.UpdatedAt, e.taskID,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to update refund request", err)
	}
	return nil
}

func (e *escrowTx) RecordAudit(event *model.AuditEvent) error {
	return insertAudit(e.ctx, e.tx, event, e.now())
}

func insertAudit(ctx context.Context, tx *sql.Tx, event *model.AuditEvent, now time.Time) error {
	if event.ID == "" {
		event.ID = model.GenerateUUIDWithSuffix("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO errand.audit_events (id, entity_type, entity_id, action, actor_id, before, after, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.EntityType, event.EntityID, event.Action, event.ActorID, jsonOrNil(event.Before), jsonOrNil(event.After), event.IP, event.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to record audit event", err)
	}
	return nil
}

// FindReadyTransfers returns in-flight transfers whose next attempt is due.
func (d Datasource) FindReadyTransfers(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.PaymentTransfer, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM errand.payment_transfers
		WHERE status = ANY($1)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		  AND attempt_count < $3
		ORDER BY next_attempt_at ASC NULLS FIRST, created_at ASC
		LIMIT $4
	`, pq.Array(inFlightTransferStatuses), now, maxAttempts, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to find ready transfers", err)
	}
	return collectTransfers(rows)
}

func (d Datasource) GetTransfer(ctx context.Context, id string) (*model.PaymentTransfer, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+transferColumns+` FROM errand.payment_transfers WHERE id = $1`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve transfer", err)
	}
	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("transfer with ID '%s' not found", id), nil)
	}
	return &transfers[0], nil
}

func (d Datasource) GetTransfersByTask(ctx context.Context, taskID int64) ([]model.PaymentTransfer, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+transferColumns+` FROM errand.payment_transfers WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list transfers", err)
	}
	return collectTransfers(rows)
}

func (d Datasource) GetRefundRequest(ctx context.Context, id string) (*model.RefundRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+refundColumns+` FROM errand.refund_requests WHERE id = $1`, id)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve refund request", err)
	}
	refunds, err := collectRefunds(rows)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("refund request with ID '%s' not found", id), nil)
	}
	return &refunds[0], nil
}

func (d Datasource) GetRefundRequestsByTask(ctx context.Context, taskID int64) ([]model.RefundRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+refundColumns+` FROM errand.refund_requests WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list refund requests", err)
	}
	return collectRefunds(rows)
}

// FindStuckRefunds returns requests left in processing since before updatedBefore.
func (d Datasource) FindStuckRefunds(ctx context.Context, updatedBefore time.Time, limit int) ([]model.RefundRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM errand.refund_requests
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, model.RefundStatusProcessing, updatedBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to find stuck refunds", err)
	}
	return collectRefunds(rows)
}

func (d Datasource) GetAuditEvents(ctx context.Context, entityType, entityID string) ([]model.AuditEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, before, after, ip, created_at
		FROM errand.audit_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`, entityType, entityID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list audit events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.AuditEvent
	for rows.Next() {
		var event model.AuditEvent
		var before, after []byte
		var ip sql.NullString
		if err := rows.Scan(&event.ID, &event.EntityType, &event.EntityID, &event.Action, &event.ActorID, &before, &after, &ip, &event.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan audit event", err)
		}
		event.Before, event.After, event.IP = before, after, nullString(ip)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over audit events", err)
	}
	return events, nil
}

func (d Datasource) GetPayoutAccount(ctx context.Context, userID string) (*model.PayoutAccount, error) {
	var account model.PayoutAccount
	err := d.Conn.QueryRowContext(ctx, `
		SELECT user_id, connect_account_id, created_at, updated_at FROM errand.payout_accounts WHERE user_id = $1
	`, userID).Scan(&account.UserID, &account.ConnectAccountID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("payout account for user '%s' not found", userID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve payout account", err)
	}
	return &account, nil
}

func (d Datasource) UpsertPayoutAccount(ctx context.Context, account *model.PayoutAccount) error {
	now := d.now()
	account.UpdatedAt = now
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.payout_accounts (user_id, connect_account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET connect_account_id = EXCLUDED.connect_account_id, updated_at = EXCLUDED.updated_at
	`, account.UserID, account.ConnectAccountID, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to save payout account", err)
	}
	return nil
}

func collectTransfers(rows *sql.Rows) ([]model.PaymentTransfer, error) {
	defer func() { _ = rows.Close() }()

	var transfers []model.PaymentTransfer
	for rows.Next() {
		var t model.PaymentTransfer
		var transferID, lastError sql.NullString
		var nextAttempt sql.NullTime
		err := rows.Scan(
			&t.ID, &t.TaskID, &t.TakerID, &t.PosterID, &t.Amount, &t.Currency, &t.Status, &transferID,
			&t.ReversedAmount, &t.AttemptCount, &lastError, &nextAttempt, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan transfer", err)
		}
		t.TransferID = nullString(transferID)
		t.LastError = nullString(lastError)
		t.NextAttemptAt = nullTime(nextAttempt)
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over transfers", err)
	}
	return transfers, nil
}

func collectRefunds(rows *sql.Rows) ([]model.RefundRequest, error) {
	defer func() { _ = rows.Close() }()

	var refunds []model.RefundRequest
	for rows.Next() {
		var r model.RefundRequest
		var adminAmount sql.NullInt64
		var intentID, transferID, resulting, reviewedBy, comment, lastError sql.NullString
		var reviewedAt, processedAt, completedAt sql.NullTime
		err := rows.Scan(
			&r.ID, &r.TaskID, &r.PosterID, &r.ReasonType, &r.Reason, &r.RefundType, &r.RequestedAmount, &r.Status,
			&adminAmount, &intentID, &transferID, &r.ReversedAmount, &r.ManualReconcile,
			&resulting, &reviewedBy, &reviewedAt, &comment, &processedAt, &completedAt,
			&r.RollbackCount, &lastError, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan refund request", err)
		}
		r.AdminRefundAmount = nullMoney(adminAmount)
		r.RefundIntentID = nullString(intentID)
		r.RefundTransferID = nullString(transferID)
		r.ResultingTaskStatus = nullString(resulting)
		r.ReviewedBy = nullString(reviewedBy)
		r.ReviewedAt = nullTime(reviewedAt)
		r.AdminComment = nullString(comment)
		r.ProcessedAt = nullTime(processedAt)
		r.CompletedAt = nullTime(completedAt)
		r.LastError = nullString(lastError)
		refunds = append(refunds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over refund requests", err)
	}
	return refunds, nil
}

func refundArgs(r *model.RefundRequest) []interface{} {
	return []interface{}{
		r.ID, r.TaskID, r.PosterID, r.ReasonType, r.Reason, r.RefundType, r.RequestedAmount, r.Status,
		r.AdminRefundAmount, r.RefundIntentID, r.RefundTransferID, r.ReversedAmount, r.ManualReconcile,
		r.ResultingTaskStatus, r.ReviewedBy, r.ReviewedAt, r.AdminComment, r.ProcessedAt, r.CompletedAt,
		r.RollbackCount, r.LastError, r.CreatedAt, r.UpdatedAt,
	}
}

// jsonOrNil passes JSON as text; lib/pq would otherwise encode []byte as bytea.
func jsonOrNil(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// TaskEntityID formats a task ID the way audit rows reference it.
func TaskEntityID(taskID int64) string {
	return strconv.FormatInt(taskID, 10)
}
