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

const refundFailedTerminal = "processor_terminal"

// refundable is what the poster can still get back: the reward minus what the
// taker has been paid and kept.
func refundable(task *model.Task, transfers []model.PaymentTransfer) model.Money {
	return task.Reward().SubFloor(model.NetTransferred(transfers))
}

// RequestRefund opens a refund request for a paid task. A full request asks for
// everything still refundable.
func (e *Errand) RequestRefund(ctx context.Context, taskID int64, actor model.Actor, input RefundInput) (*model.RefundRequest, error) {
	ctx, span := tracer.Start(ctx, "Requesting refund")
	defer span.End()

	if err := input.Validate(); err != nil {
		return nil, invalidInput(err)
	}
	if input.Amount != nil && !input.Amount.IsPositive() {
		return nil, apierror.NewReasonError(apierror.ErrInvalidAmount, "", "refund amount must be positive")
	}

	var created *model.RefundRequest
	var notices []notice
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if actor.ID != task.PosterID {
			return forbidden("only the poster can request a refund for task %d", taskID)
		}
		if !task.IsPaid {
			return taskNotPaid(taskID)
		}
		if task.StripeDisputeFrozen {
			return disputeFrozen(taskID)
		}
		if task.Status == model.TaskStatusCancelled {
			return conflictState("task %d is cancelled", taskID)
		}

		refunds, err := tx.GetRefundRequests()
		if err != nil {
			return err
		}
		if open := model.OpenRefund(refunds); open != nil {
			return apierror.NewReasonError(apierror.ErrDuplicateRequest, "", fmt.Sprintf("refund request %s is still open", open.ID))
		}
		transfers, err := tx.GetTransfers()
		if err != nil {
			return err
		}

		limit := refundable(task, transfers)
		amount := limit
		if input.Kind == model.RefundTypePartial {
			amount = *input.Amount
		}
		if !amount.IsPositive() || amount > limit {
			return exceedsRefundable(amount, limit)
		}

		now := e.clock.Now()
		refund := &model.RefundRequest{
			ID:              model.GenerateUUIDWithSuffix("refund"),
			TaskID:          taskID,
			PosterID:        task.PosterID,
			ReasonType:      input.ReasonType,
			Reason:          input.Reason,
			RefundType:      input.Kind,
			RequestedAmount: amount,
			Status:          model.RefundStatusPending,
		}
		if err := tx.CreateRefundRequest(refund); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityRefund, refund.ID, model.AuditRefundRequested, actor, nil, refund, now)); err != nil {
			return err
		}

		created = refund
		if taker := task.Taker(); taker != "" {
			notices = append(notices, notice{
				userID:    taker,
				kind:      model.NotificationRefundRequested,
				content:   fmt.Sprintf("The poster asked for a refund of %s on task %d", amount, taskID),
				relatedID: refund.ID,
				variables: map[string]string{"task_id": fmt.Sprint(taskID), "amount": amount.String()},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return created, nil
}

// ApproveRefund pays a pending refund request back to the poster. The request
// is moved to processing under the task lock, the processor is called outside
// of it, and the outcome is applied under the lock again. Approving a completed
// request returns its recorded outcome.
func (e *Errand) ApproveRefund(ctx context.Context, refundID string, actor model.Actor, adminAmount *model.Money) (*model.RefundOutcome, error) {
	ctx, span := tracer.Start(ctx, "Approving refund")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, forbidden("only administrators can approve refunds")
	}
	if adminAmount != nil && !adminAmount.IsPositive() {
		return nil, apierror.NewReasonError(apierror.ErrInvalidAmount, "", "refund amount must be positive")
	}

	stored, err := e.datasource.GetRefundRequest(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var outcome *model.RefundOutcome
	var refund *model.RefundRequest
	var task *model.Task
	var transfers []model.PaymentTransfer
	err = e.withLockedTask(ctx, stored.TaskID, func(locked *model.Task, tx database.EscrowTx) error {
		current, refunds, err := findRefund(tx, refundID)
		if err != nil {
			return err
		}
		if current.Status == model.RefundStatusCompleted {
			outcome = &model.RefundOutcome{Outcome: model.RefundOutcomeCompleted, Refund: current, Task: locked.Clone()}
			return nil
		}
		if current.Status != model.RefundStatusPending {
			return conflictState("refund request %s is %s, not pending", refundID, current.Status)
		}
		if !locked.IsPaid {
			return taskNotPaid(locked.TaskID)
		}
		if locked.StripeDisputeFrozen {
			return disputeFrozen(locked.TaskID)
		}
		if locked.Status == model.TaskStatusCancelled {
			return conflictState("task %d is cancelled", locked.TaskID)
		}
		if current.ReviewedBy != nil && *current.ReviewedBy != actor.ID && !actor.IsElevated() {
			return forbidden("refund request %s is bound to reviewer %s", refundID, *current.ReviewedBy)
		}

		transfers, err = tx.GetTransfers()
		if err != nil {
			return err
		}
		amount := current.Amount()
		if adminAmount != nil {
			amount = *adminAmount
		}
		limit := model.MinMoney(refundable(locked, transfers), locked.CapturedAmount.SubFloor(model.CompletedRefunds(refunds)))
		if amount > limit {
			return exceedsRefundable(amount, limit)
		}
		if amount > e.elevatedRefundThreshold && !actor.IsElevated() {
			return apierror.NewReasonError(apierror.ErrForbidden, apierror.ReasonElevatedActorRequired,
				fmt.Sprintf("refunds above %s need an elevated reviewer", e.elevatedRefundThreshold))
		}

		now := e.clock.Now()
		if adminAmount != nil {
			current.AdminRefundAmount = &amount
		}
		if current.ReviewedBy == nil {
			current.ReviewedBy = ptr.String(actor.ID)
		}
		current.ReviewedAt = &now
		current.ProcessedAt = &now
		current.Status = model.RefundStatusProcessing
		if err := tx.UpdateRefundRequest(current); err != nil {
			return err
		}

		refund = current
		task = locked.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	return e.driveRefund(ctx, refund, task, transfers, actor)
}

func findRefund(tx database.EscrowTx, refundID string) (*model.RefundRequest, []model.RefundRequest, error) {
	refunds, err := tx.GetRefundRequests()
	if err != nil {
		return nil, nil, err
	}
	for i := range refunds {
		if refunds[i].ID == refundID {
			found := refunds[i]
			return &found, refunds, nil
		}
	}
	return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("refund request with ID '%s' not found", refundID), nil)
}

// reversal is the outcome of one attempted transfer reversal.
type reversal struct {
	transferID string
	amount     model.Money
	reversed   bool
}

// driveRefund performs the processor side of a refund in processing and
// applies the outcome. It is shared by approval and crash recovery; the
// idempotency keys make a second drive of the same request safe.
func (e *Errand) driveRefund(ctx context.Context, refund *model.RefundRequest, task *model.Task, transfers []model.PaymentTransfer, actor model.Actor) (*model.RefundOutcome, error) {
	amount := refund.Amount()
	fields := logrus.Fields{"task_id": task.TaskID, "refund_id": refund.ID, "amount": amount.String()}

	chargeID := ""
	if task.ChargeID != nil {
		chargeID = *task.ChargeID
	}
	result, err := e.gateway.RefundCharge(ctx, chargeID, amount.Minor(), processor.RefundKey(task.TaskID, refund.ID, amount.Minor()))
	if err != nil {
		if !processor.IsTerminal(err) {
			// Left in processing; recovery re-drives it with the same key.
			return nil, processorError(err, fields)
		}
		fields["error"] = err
		logrus.WithFields(fields).Error("payment processor refused refund")
		return e.rollbackRefund(ctx, refund.ID, task.TaskID, actor)
	}

	full := amount >= refundable(task, transfers)
	var reversals []reversal
	if !full {
		reversals = e.reverseTransfers(ctx, task.TaskID, refund.ID, transfers, amount)
	}

	return e.completeRefund(ctx, refund.ID, task.TaskID, result.RefundID, full, reversals, actor)
}

// reverseTransfers claws back up to amount from succeeded transfers, newest
// first. Reversals the processor cannot perform are left for manual reconciliation.
func (e *Errand) reverseTransfers(ctx context.Context, taskID int64, refundID string, transfers []model.PaymentTransfer, amount model.Money) []reversal {
	var out []reversal
	remaining := amount
	for i := len(transfers) - 1; i >= 0 && remaining.IsPositive(); i-- {
		t := transfers[i]
		if t.Status != model.TransferStatusSucceeded || t.TransferID == nil || !t.Net().IsPositive() {
			continue
		}
		portion := model.MinMoney(remaining, t.Net())
		fields := logrus.Fields{"task_id": taskID, "refund_id": refundID, "transfer_id": t.ID, "amount": portion.String()}

		result, err := e.gateway.ReverseTransfer(ctx, *t.TransferID, portion.Minor(), processor.ReversalKey(taskID, refundID, t.ID, portion.Minor()))
		switch {
		case err != nil:
			fields["error"] = err
			logrus.WithFields(fields).Warn("transfer reversal failed, flagged for manual reconciliation")
			out = append(out, reversal{transferID: t.ID, amount: portion})
		case result == nil:
			logrus.WithFields(fields).Info("transfer reversal not supported, flagged for manual reconciliation")
			out = append(out, reversal{transferID: t.ID, amount: portion})
		default:
			out = append(out, reversal{transferID: t.ID, amount: portion, reversed: true})
			remaining -= portion
		}
	}
	return out
}

// completeRefund applies a refund the processor accepted. A partial refund
// recomputes escrow from the reduced reward minus its fee minus what the taker
// still keeps after reversals, so a successful reversal raises escrow by the
// reversed amount. A request closed while the processor call was running keeps
// the processor refund id, is flagged for manual reconciliation and alerts the
// operator.
func (e *Errand) completeRefund(ctx context.Context, refundID string, taskID int64, refundIntentID string, full bool, reversals []reversal, actor model.Actor) (*model.RefundOutcome, error) {
	var outcome *model.RefundOutcome
	var notices []notice
	var restoreCoupon, orphaned bool
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		refund, _, err := findRefund(tx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != model.RefundStatusProcessing {
			if refund.Status != model.RefundStatusCompleted && refund.RefundIntentID == nil {
				// Closed elsewhere while the processor was returning the funds.
				before := *refund
				refund.RefundIntentID = ptr.String(refundIntentID)
				refund.ManualReconcile = true
				if err := tx.UpdateRefundRequest(refund); err != nil {
					return err
				}
				if err := recordAudit(tx, model.NewAuditEvent(model.EntityRefund, refund.ID, model.AuditRefundOrphaned, actor, before, refund, e.clock.Now())); err != nil {
					return err
				}
				orphaned = true
			}
			outcome = refundOutcome(refund, task)
			return nil
		}

		before := task.Clone()
		now := e.clock.Now()
		amount := refund.Amount()

		transfers, err := tx.GetTransfers()
		if err != nil {
			return err
		}
		for _, r := range reversals {
			if !r.reversed {
				refund.ManualReconcile = true
				if err := recordAudit(tx, model.NewAuditEvent(model.EntityTransfer, r.transferID, model.AuditManualReconcileNote, actor, nil, r.amount, now)); err != nil {
					return err
				}
				continue
			}
			for i := range transfers {
				if transfers[i].ID != r.transferID {
					continue
				}
				transfers[i].ReversedAmount += r.amount
				if err := tx.UpdateTransfer(&transfers[i]); err != nil {
					return err
				}
				if err := recordAudit(tx, model.NewAuditEvent(model.EntityTransfer, r.transferID, model.AuditTransferReversed, actor, nil, r.amount, now)); err != nil {
					return err
				}
			}
			refund.ReversedAmount += r.amount
		}

		if inFlight := model.InFlightTransfer(transfers); inFlight != nil {
			inFlight.Status = model.TransferStatusFailedPermanent
			inFlight.SetLastError(model.TransferErrorRefunded)
			inFlight.NextAttemptAt = nil
			if err := tx.UpdateTransfer(inFlight); err != nil {
				return err
			}
		}

		net := model.NetTransferred(transfers)
		if full {
			task.EscrowAmount = 0
			task.Status = model.TaskStatusCancelled
			task.IsPaid = false
			task.PaymentIntentID = nil
		} else {
			newAgreed, err := task.Reward().Sub(amount)
			if err != nil {
				return err
			}
			target := newAgreed - model.Fee(newAgreed, task.TaskSource, task.TaskType)
			if target < net {
				logrus.WithFields(logrus.Fields{
					"task_id": taskID, "refund_id": refundID, "target": target.String(), "paid": net.String(),
				}).Warn("taker already received more than the reduced reward, escrow clamped to zero")
			}
			task.AgreedReward = &newAgreed
			task.EscrowAmount = target.SubFloor(net)
			task.Status = model.TaskStatusCompleted

			if task.EscrowAmount.IsPositive() {
				remainder := &model.PaymentTransfer{
					ID:       model.GenerateUUIDWithSuffix("transfer"),
					TaskID:   taskID,
					TakerID:  task.Taker(),
					PosterID: task.PosterID,
					Amount:   task.EscrowAmount,
					Currency: e.config.Escrow.SettlementCurrency,
					Status:   model.TransferStatusPending,
				}
				if err := tx.CreateTransfer(remainder); err != nil {
					return err
				}
			} else {
				task.IsConfirmed = true
				if task.ConfirmedAt == nil {
					task.ConfirmedAt = &now
				}
			}
		}
		if err := tx.SaveTask(task); err != nil {
			return err
		}

		refund.Status = model.RefundStatusCompleted
		refund.RefundIntentID = ptr.String(refundIntentID)
		refund.ResultingTaskStatus = ptr.String(task.Status)
		refund.CompletedAt = &now
		refund.LastError = nil
		if err := tx.UpdateRefundRequest(refund); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityRefund, refund.ID, model.AuditRefundApproved, actor, before, task, now)); err != nil {
			return err
		}

		outcome = refundOutcome(refund, task)
		restoreCoupon = true
		notices = participantNotices(task, model.NotificationRefundApproved,
			fmt.Sprintf("A refund of %s on task %d was approved", amount, taskID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if orphaned {
		e.alertOperator(ctx, "Processor refund landed on a closed refund request", map[string]string{
			"task_id":          fmt.Sprint(taskID),
			"refund_id":        refundID,
			"refund_intent_id": refundIntentID,
		})
	}
	if restoreCoupon && e.coupons != nil {
		if err := e.coupons.RestoreCoupon(ctx, taskID, refundID); err != nil {
			logrus.WithFields(logrus.Fields{"task_id": taskID, "refund_id": refundID, "error": err}).Error("failed to restore coupon usage")
		}
	}
	e.fanout(ctx, notices...)
	return outcome, nil
}

// rollbackRefund returns a request the processor refused to pending. A request
// may be rolled back once; a second refusal moves it from processing straight
// to rejected, a transition outside the usual refund lifecycle, and alerts the
// operator. The reviewer stays bound to the request.
func (e *Errand) rollbackRefund(ctx context.Context, refundID string, taskID int64, actor model.Actor) (*model.RefundOutcome, error) {
	var outcome *model.RefundOutcome
	var notices []notice
	var exhausted bool
	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		refund, _, err := findRefund(tx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != model.RefundStatusProcessing {
			outcome = refundOutcome(refund, task)
			return nil
		}

		before := *refund
		now := e.clock.Now()
		refund.LastError = ptr.String(refundFailedTerminal)
		if refund.RollbackCount >= model.MaxRefundRollbacks {
			refund.Status = model.RefundStatusRejected
			refund.AdminComment = ptr.String("payment processor refused the refund twice")
			exhausted = true
		} else {
			refund.Status = model.RefundStatusPending
			refund.RollbackCount++
		}
		if err := tx.UpdateRefundRequest(refund); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityRefund, refund.ID, model.AuditRefundFailed, actor, before, refund, now)); err != nil {
			return err
		}

		outcome = &model.RefundOutcome{Outcome: model.RefundOutcomeRolledBack, Refund: refund, Task: task.Clone()}
		notices = append(notices, notice{
			userID:    task.PosterID,
			kind:      model.NotificationRefundFailed,
			content:   fmt.Sprintf("The refund on task %d could not be processed yet", taskID),
			relatedID: refund.ID,
			variables: map[string]string{"task_id": fmt.Sprint(taskID)},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	e.alertOperator(ctx, "Refund refused by payment processor", map[string]string{
		"task_id":   fmt.Sprint(taskID),
		"refund_id": refundID,
		"exhausted": fmt.Sprint(exhausted),
	})
	return outcome, nil
}

func refundOutcome(refund *model.RefundRequest, task *model.Task) *model.RefundOutcome {
	result := model.RefundOutcomeRolledBack
	if refund.Status == model.RefundStatusCompleted {
		result = model.RefundOutcomeCompleted
	}
	return &model.RefundOutcome{Outcome: result, Refund: refund, Task: task.Clone()}
}

// RejectRefund closes a pending refund request without moving money.
func (e *Errand) RejectRefund(ctx context.Context, refundID string, actor model.Actor, comment string) (*model.RefundRequest, error) {
	ctx, span := tracer.Start(ctx, "Rejecting refund")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, forbidden("only administrators can reject refunds")
	}
	if len(comment) > maxReasonLength {
		return nil, invalidInput(fmt.Errorf("comment is longer than %d characters", maxReasonLength))
	}

	stored, err := e.datasource.GetRefundRequest(ctx, refundID)
	if err != nil {
		return nil, err
	}

	var rejected *model.RefundRequest
	var notices []notice
	err = e.withLockedTask(ctx, stored.TaskID, func(task *model.Task, tx database.EscrowTx) error {
		refund, _, err := findRefund(tx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != model.RefundStatusPending {
			return conflictState("refund request %s is %s, not pending", refundID, refund.Status)
		}

		before := *refund
		now := e.clock.Now()
		refund.Status = model.RefundStatusRejected
		refund.ReviewedBy = ptr.String(actor.ID)
		refund.ReviewedAt = &now
		refund.AdminComment = ptr.String(comment)
		if err := tx.UpdateRefundRequest(refund); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityRefund, refund.ID, model.AuditRefundRejected, actor, before, refund, now)); err != nil {
			return err
		}

		rejected = refund
		notices = append(notices, notice{
			userID:    task.PosterID,
			kind:      model.NotificationRefundRejected,
			content:   fmt.Sprintf("Your refund request on task %d was rejected", task.TaskID),
			relatedID: refund.ID,
			variables: map[string]string{"task_id": fmt.Sprint(task.TaskID), "comment": comment},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.fanout(ctx, notices...)
	return rejected, nil
}

// RecoverStuckRefunds re-drives refund requests left in processing by a crash
// or a transient processor failure. The stored idempotency key makes the
// processor return the original refund when it already happened.
func (e *Errand) RecoverStuckRefunds(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Recovering stuck refunds")
	defer span.End()

	cutoff := e.clock.Now().Add(-config.Seconds(e.config.Escrow.RefundRecoveryGrace))
	stuck, err := e.datasource.FindStuckRefunds(ctx, cutoff, e.config.Escrow.DisburseBatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		refund := stuck[i]
		fields := logrus.Fields{"task_id": refund.TaskID, "refund_id": refund.ID}

		task, err := e.datasource.GetTask(ctx, refund.TaskID)
		if err != nil {
			fields["error"] = err
			logrus.WithFields(fields).Error("cannot load task for stuck refund")
			continue
		}
		transfers, err := e.datasource.GetTransfersByTask(ctx, refund.TaskID)
		if err != nil {
			fields["error"] = err
			logrus.WithFields(fields).Error("cannot load transfers for stuck refund")
			continue
		}

		logrus.WithFields(fields).Warn("re-driving refund stuck in processing")
		if _, err := e.driveRefund(ctx, &refund, task, transfers, model.SystemActor()); err != nil {
			fields["error"] = err
			logrus.WithFields(fields).Error("stuck refund still failing")
			continue
		}
		recovered++
	}
	return recovered, nil
}
