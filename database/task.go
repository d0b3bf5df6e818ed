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
	"time"

	"github.com/lib/pq"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

const taskColumns = `task_id, poster_id, taker_id, status, task_source, task_type, base_reward, agreed_reward,
	captured_amount, is_paid, escrow_amount, payment_intent_id, charge_id, paid_to_user_id, is_confirmed,
	auto_confirmed, confirmed_at, auto_confirm_due_at, completion_evidence, stripe_dispute_frozen, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var takerID, intentID, chargeID, paidTo sql.NullString
	var agreed sql.NullInt64
	var confirmedAt, dueAt sql.NullTime

	err := row.Scan(
		&task.TaskID, &task.PosterID, &takerID, &task.Status, &task.TaskSource, &task.TaskType,
		&task.BaseReward, &agreed, &task.CapturedAmount, &task.IsPaid, &task.EscrowAmount,
		&intentID, &chargeID, &paidTo, &task.IsConfirmed, &task.AutoConfirmed, &confirmedAt, &dueAt,
		&task.CompletionEvidence, &task.StripeDisputeFrozen, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.TakerID = nullString(takerID)
	task.AgreedReward = nullMoney(agreed)
	task.PaymentIntentID = nullString(intentID)
	task.ChargeID = nullString(chargeID)
	task.PaidToUserID = nullString(paidTo)
	task.ConfirmedAt = nullTime(confirmedAt)
	task.AutoConfirmDueAt = nullTime(dueAt)
	return &task, nil
}

// CreateTask inserts the escrow view of a task. Task authoring lives outside this service;
// this is how the marketplace hands a task over.
func (d Datasource) CreateTask(ctx context.Context, task *model.Task) error {
	now := d.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO errand.tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		task.TaskID, task.PosterID, task.TakerID, task.Status, task.TaskSource, task.TaskType,
		task.BaseReward, task.AgreedReward, task.CapturedAmount, task.IsPaid, task.EscrowAmount,
		task.PaymentIntentID, task.ChargeID, task.PaidToUserID, task.IsConfirmed, task.AutoConfirmed,
		task.ConfirmedAt, task.AutoConfirmDueAt, task.CompletionEvidence, task.StripeDisputeFrozen,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already exists", task.TaskID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to create task", err)
	}
	return nil
}

func (d Datasource) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM errand.tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("task with ID '%d' not found", taskID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to retrieve task", err)
	}
	return task, nil
}

func (d Datasource) GetTasksDueForAutoConfirm(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT t.task_id FROM errand.tasks t
		WHERE t.status = $1
		  AND t.auto_confirm_due_at <= $2
		  AND t.stripe_dispute_frozen = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM errand.refund_requests r
			WHERE r.task_id = t.task_id AND r.status = ANY($3)
		  )
		ORDER BY t.auto_confirm_due_at ASC
		LIMIT $4
	`, model.TaskStatusPendingConfirmation, now, pq.Array(openRefundStatuses), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to list tasks due for auto confirmation", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternal, "Failed to scan task id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternal, "Error iterating over tasks", err)
	}
	return ids, nil
}

func saveTask(ctx context.Context, tx *sql.Tx, task *model.Task, now time.Time) error {
	task.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `
		UPDATE errand.tasks SET
			taker_id = $2, status = $3, agreed_reward = $4, captured_amount = $5, is_paid = $6,
			escrow_amount = $7, payment_intent_id = $8, charge_id = $9, paid_to_user_id = $10,
			is_confirmed = $11, auto_confirmed = $12, confirmed_at = $13, auto_confirm_due_at = $14,
			completion_evidence = $15, stripe_dispute_frozen = $16, updated_at = $17
		WHERE task_id = $1
	`,
		task.TaskID, task.TakerID, task.Status, task.AgreedReward, task.CapturedAmount, task.IsPaid,
		task.EscrowAmount, task.PaymentIntentID, task.ChargeID, task.PaidToUserID,
		task.IsConfirmed, task.AutoConfirmed, task.ConfirmedAt, task.AutoConfirmDueAt,
		task.CompletionEvidence, task.StripeDisputeFrozen, task.UpdatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to update task", err)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullMoney(ni sql.NullInt64) *model.Money {
	if !ni.Valid {
		return nil
	}
	m := model.Money(ni.Int64)
	return &m
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
