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

package errand

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/model"
)

func taskEntityID(taskID int64) string {
	return database.TaskEntityID(taskID)
}

func recordAudit(tx database.EscrowTx, event model.AuditEvent) error {
	return tx.RecordAudit(&event)
}

// HoldFunds captures the poster's payment intent and places the net reward in escrow.
func (e *Errand) HoldFunds(ctx context.Context, taskID int64, intentID string, amount model.Money, actor model.Actor) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "Holding funds")
	defer span.End()

	if !amount.IsPositive() {
		return nil, apierror.NewReasonError(apierror.ErrInvalidAmount, "", "amount must be positive")
	}
	if intentID == "" {
		return nil, invalidInput(fmt.Errorf("payment intent is required"))
	}

	task, err := e.datasource.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkHoldPreconditions(task, amount, actor); err != nil {
		return nil, err
	}

	capture, err := e.gateway.CapturePayment(ctx, intentID, amount.Minor(), processor.CaptureKey(taskID, amount.Minor()))
	if err != nil {
		return nil, processorError(err, logrus.Fields{"task_id": taskID, "op": "capture"})
	}
	if capture.AmountCaptured < amount.Minor() {
		return nil, apierror.NewReasonError(apierror.ErrInvalidAmount, apierror.ReasonIntentAmountMismatch,
			fmt.Sprintf("intent captured %s, expected %s", model.NewMoney(capture.AmountCaptured), amount))
	}

	var funded *model.Task
	var notices []notice
	err = e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if err := checkHoldPreconditions(task, amount, actor); err != nil {
			return err
		}
		before := task.Clone()
		now := e.clock.Now()

		task.PaymentIntentID = ptr.String(intentID)
		task.ChargeID = ptr.String(capture.ChargeID)
		task.CapturedAmount = amount
		task.EscrowAmount = amount - model.Fee(amount, task.TaskSource, task.TaskType)
		task.IsPaid = true
		task.Status = model.TaskStatusInProgress
		if err := tx.SaveTask(task); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTask, taskEntityID(taskID), model.AuditEscrowFunded, actor, before, task, now)); err != nil {
			return err
		}

		funded = task.Clone()
		if taker := task.Taker(); taker != "" {
			notices = append(notices, notice{
				userID:    taker,
				kind:      model.NotificationEscrowFunded,
				content:   fmt.Sprintf("Payment of %s for task %d is held in escrow", amount, taskID),
				relatedID: taskEntityID(taskID),
				variables: map[string]string{"task_id": fmt.Sprint(taskID), "amount": amount.String()},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return funded, nil
}

func checkHoldPreconditions(task *model.Task, amount model.Money, actor model.Actor) error {
	if actor.ID != task.PosterID {
		return forbidden("only the poster can fund task %d", task.TaskID)
	}
	if task.StripeDisputeFrozen {
		return disputeFrozen(task.TaskID)
	}
	if task.IsPaid {
		return apierror.NewReasonError(apierror.ErrConflictState, apierror.ReasonAlreadyPaid, fmt.Sprintf("task %d is already paid", task.TaskID))
	}
	if task.Status != model.TaskStatusTaken && task.Status != model.TaskStatusInProgress {
		return conflictState("task %d cannot be funded in status %s", task.TaskID, task.Status)
	}
	if amount != task.Reward() {
		return apierror.NewReasonError(apierror.ErrInvalidAmount, "", fmt.Sprintf("amount %s does not match reward %s", amount, task.Reward()))
	}
	return nil
}

// MarkDone moves an in-progress task to pending confirmation and starts the
// auto-confirm timer.
func (e *Errand) MarkDone(ctx context.Context, taskID int64, actor model.Actor, evidence string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "Marking task done")
	defer span.End()

	if err := validateEvidence(evidence); err != nil {
		return nil, invalidInput(err)
	}

	var done *model.Task
	var notices []notice
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if task.Taker() == "" || actor.ID != task.Taker() {
			return forbidden("only the taker can mark task %d done", taskID)
		}
		if task.Status != model.TaskStatusInProgress {
			return conflictState("task %d is %s, not in progress", taskID, task.Status)
		}

		before := task.Clone()
		now := e.clock.Now()
		due := now.Add(config.Seconds(e.config.Escrow.AutoConfirmAfter))
		task.Status = model.TaskStatusPendingConfirmation
		task.AutoConfirmDueAt = &due
		task.CompletionEvidence = evidence
		if err := tx.SaveTask(task); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTask, taskEntityID(taskID), model.AuditTaskMarkedDone, actor, before, task, now)); err != nil {
			return err
		}

		done = task.Clone()
		notices = append(notices, notice{
			userID:    task.PosterID,
			kind:      model.NotificationTaskMarkedDone,
			content:   fmt.Sprintf("Task %d was marked done. Confirm it before %s", taskID, due.Format("2006-01-02 15:04 MST")),
			relatedID: taskEntityID(taskID),
			variables: map[string]string{"task_id": fmt.Sprint(taskID)},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return done, nil
}

// Confirm completes a task and schedules the disbursement of its escrow. The
// processor is not called here; the disbursement worker picks the transfer up.
// Confirming a completed task is a no-op.
func (e *Errand) Confirm(ctx context.Context, taskID int64, actor model.Actor) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "Confirming task")
	defer span.End()

	var confirmed *model.Task
	var notices []notice
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if !actor.IsSystem() && actor.ID != task.PosterID {
			return forbidden("only the poster can confirm task %d", taskID)
		}
		if task.Status == model.TaskStatusCompleted {
			confirmed = task.Clone()
			return nil
		}
		if task.Status != model.TaskStatusPendingConfirmation {
			return conflictState("task %d is %s, not pending confirmation", taskID, task.Status)
		}
		if task.StripeDisputeFrozen {
			return disputeFrozen(taskID)
		}
		if !task.EscrowAmount.IsPositive() {
			return conflictState("task %d has no funds in escrow", taskID)
		}

		now := e.clock.Now()
		if actor.IsSystem() && (task.AutoConfirmDueAt == nil || task.AutoConfirmDueAt.After(now)) {
			return conflictState("task %d is not due for auto confirmation", taskID)
		}

		refunds, err := tx.GetRefundRequests()
		if err != nil {
			return err
		}
		if open := model.OpenRefund(refunds); open != nil {
			return conflictState("task %d has an open refund request %s", taskID, open.ID)
		}

		before := task.Clone()
		task.IsConfirmed = true
		task.Status = model.TaskStatusCompleted
		task.ConfirmedAt = &now
		task.AutoConfirmed = actor.IsSystem()
		if err := tx.SaveTask(task); err != nil {
			return err
		}

		transfer := &model.PaymentTransfer{
			ID:       model.GenerateUUIDWithSuffix("transfer"),
			TaskID:   taskID,
			TakerID:  task.Taker(),
			PosterID: task.PosterID,
			Amount:   task.EscrowAmount,
			Currency: e.config.Escrow.SettlementCurrency,
			Status:   model.TransferStatusPending,
		}
		if err := tx.CreateTransfer(transfer); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTask, taskEntityID(taskID), model.AuditTaskConfirmed, actor, before, task, now)); err != nil {
			return err
		}

		confirmed = task.Clone()
		notices = append(notices, notice{
			userID:    task.Taker(),
			kind:      model.NotificationTaskConfirmed,
			content:   fmt.Sprintf("Task %d was confirmed. %s is on its way", taskID, transfer.Amount),
			relatedID: taskEntityID(taskID),
			variables: map[string]string{"task_id": fmt.Sprint(taskID), "amount": transfer.Amount.String()},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return confirmed, nil
}

// SweepAutoConfirmations confirms, on behalf of the system, every task whose
// confirmation window has elapsed. Each task is confirmed in its own critical
// section; failures are logged and do not stop the sweep.
func (e *Errand) SweepAutoConfirmations(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Sweeping auto confirmations")
	defer span.End()

	ids, err := e.datasource.GetTasksDueForAutoConfirm(ctx, e.clock.Now(), e.config.Escrow.DisburseBatchSize)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		if _, err := e.Confirm(ctx, id, model.SystemActor()); err != nil {
			logrus.WithFields(logrus.Fields{"task_id": id, "error": err}).Warn("auto confirmation skipped")
			continue
		}
		confirmed++
	}
	if confirmed > 0 {
		logrus.WithField("count", confirmed).Info("auto confirmed tasks")
	}
	return confirmed, nil
}

// FreezeDispute blocks every refund and transfer on the task while a chargeback is open.
func (e *Errand) FreezeDispute(ctx context.Context, taskID int64, actor model.Actor) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "Freezing task for dispute")
	defer span.End()

	var frozen *model.Task
	var notices []notice
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if !actor.IsSystem() && !actor.IsAdmin() {
			return forbidden("only operators can freeze task %d", taskID)
		}
		if task.StripeDisputeFrozen {
			frozen = task.Clone()
			return nil
		}
		if !task.IsPaid {
			return taskNotPaid(taskID)
		}

		before := task.Clone()
		task.StripeDisputeFrozen = true
		if err := tx.SaveTask(task); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTask, taskEntityID(taskID), model.AuditDisputeFrozen, actor, before, task, e.clock.Now())); err != nil {
			return err
		}

		frozen = task.Clone()
		notices = participantNotices(task, model.NotificationDisputeOpened,
			fmt.Sprintf("A payment dispute was opened on task %d. Payouts and refunds are on hold", taskID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return frozen, nil
}

// UnfreezeDispute clears the dispute freeze. A lost dispute means the
// chargeback already pulled the funds back, so escrow is zeroed and the task
// cancelled without calling the processor.
func (e *Errand) UnfreezeDispute(ctx context.Context, taskID int64, actor model.Actor, resolution DisputeResolution) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "Unfreezing task after dispute")
	defer span.End()

	if resolution != DisputeWon && resolution != DisputeLost {
		return nil, invalidInput(fmt.Errorf("unknown dispute resolution %q", resolution))
	}

	var resolved *model.Task
	var notices []notice
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if !actor.IsSystem() && !actor.IsAdmin() {
			return forbidden("only operators can resolve disputes on task %d", taskID)
		}
		if !task.StripeDisputeFrozen {
			return conflictState("task %d is not frozen", taskID)
		}

		before := task.Clone()
		now := e.clock.Now()
		task.StripeDisputeFrozen = false
		action := model.AuditDisputeUnfrozen

		if resolution == DisputeLost {
			action = model.AuditDisputeLost
			if err := e.settleLostDispute(task, tx, actor); err != nil {
				return err
			}
		}

		if err := tx.SaveTask(task); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTask, taskEntityID(taskID), action, actor, before, task, now)); err != nil {
			return err
		}

		resolved = task.Clone()
		notices = participantNotices(task, model.NotificationDisputeResolved,
			fmt.Sprintf("The payment dispute on task %d was %s", taskID, resolution))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return resolved, nil
}

// settleLostDispute books the chargeback as a completed refund of whatever was
// still held, cancels the in-flight payout and rejects a pending refund
// request. It refuses while a refund is processing at the processor.
func (e *Errand) settleLostDispute(task *model.Task, tx database.EscrowTx, actor model.Actor) error {
	now := e.clock.Now()

	refunds, err := tx.GetRefundRequests()
	if err != nil {
		return err
	}
	open := model.OpenRefund(refunds)
	if open != nil && open.Status == model.RefundStatusProcessing {
		// The processor may already have returned these funds.
		return conflictState("refund %s on task %d is still processing", open.ID, task.TaskID)
	}

	transfers, err := tx.GetTransfers()
	if err != nil {
		return err
	}
	if inFlight := model.InFlightTransfer(transfers); inFlight != nil {
		inFlight.Status = model.TransferStatusFailedPermanent
		inFlight.SetLastError(model.TransferErrorDisputeLost)
		inFlight.NextAttemptAt = nil
		if err := tx.UpdateTransfer(inFlight); err != nil {
			return err
		}
	}

	if open != nil {
		open.Status = model.RefundStatusRejected
		open.AdminComment = ptr.String(model.TransferErrorDisputeLost)
		open.ReviewedAt = &now
		if err := tx.UpdateRefundRequest(open); err != nil {
			return err
		}
	}

	pulled := task.CapturedAmount.SubFloor(model.NetTransferred(transfers) + model.CompletedRefunds(refunds))
	if pulled.IsPositive() {
		chargeback := &model.RefundRequest{
			ID:                  model.GenerateUUIDWithSuffix("refund"),
			TaskID:              task.TaskID,
			PosterID:            task.PosterID,
			ReasonType:          model.TransferErrorDisputeLost,
			RefundType:          model.RefundTypeFull,
			RequestedAmount:     pulled,
			Status:              model.RefundStatusCompleted,
			ResultingTaskStatus: ptr.String(model.TaskStatusCancelled),
			ReviewedBy:          ptr.String(actor.ID),
			ReviewedAt:          &now,
			CompletedAt:         &now,
		}
		if err := tx.CreateRefundRequest(chargeback); err != nil {
			return err
		}
	}

	task.EscrowAmount = 0
	task.Status = model.TaskStatusCancelled
	task.IsPaid = false
	task.PaymentIntentID = nil
	return nil
}

func participantNotices(task *model.Task, kind, content string) []notice {
	var notices []notice
	for _, userID := range task.Participants() {
		notices = append(notices, notice{
			userID:    userID,
			kind:      kind,
			content:   content,
			relatedID: taskEntityID(task.TaskID),
			variables: map[string]string{"task_id": fmt.Sprint(task.TaskID)},
		})
	}
	return notices
}

// processorError translates a gateway failure into an engine error without
// leaking the processor's diagnostics.
func processorError(err error, fields logrus.Fields) error {
	fields["error"] = err
	kind := processor.KindOf(err)
	if kind == processor.KindConflict {
		logrus.WithFields(fields).Error("processor idempotency conflict")
	} else {
		logrus.WithFields(fields).Warn("processor call failed")
	}
	if processor.IsTerminal(err) {
		return apierror.NewReasonError(apierror.ErrProcessorTerminal, "", "payment processor rejected the request")
	}
	return apierror.NewReasonError(apierror.ErrProcessorRetryable, "", "payment processor is unavailable, try again")
}
