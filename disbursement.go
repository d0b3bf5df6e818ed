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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/model"
)

// TickResult summarises one pass of the disbursement worker.
type TickResult struct {
	Picked    int `json:"picked"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
}

type transferOutcome int

const (
	outcomeSkipped transferOutcome = iota
	outcomeSucceeded
	outcomeRetrying
	outcomeFailed
	outcomeDeferred
)

// transferBackoff returns the delay before retry number attempt, doubling
// from the configured base up to the configured cap.
func (e *Errand) transferBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.Seconds(e.config.Escrow.TransferBackoffBase)
	b.MaxInterval = config.Seconds(e.config.Escrow.MaxTransferBackoff)
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// RunDisbursementTick attempts every transfer that is due. Each transfer is
// processed inside its task's critical section so a concurrent refund either
// sees the payout or cancels it before it happens.
func (e *Errand) RunDisbursementTick(ctx context.Context) (TickResult, error) {
	ctx, span := tracer.Start(ctx, "Running disbursement tick")
	defer span.End()

	var result TickResult
	ready, err := e.datasource.FindReadyTransfers(ctx, e.clock.Now(), e.config.Escrow.MaxTransferAttempts, e.config.Escrow.DisburseBatchSize)
	if err != nil {
		return result, err
	}

	for i := range ready {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Picked++

		outcome, err := e.processTransfer(ctx, ready[i].TaskID, ready[i].ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{"task_id": ready[i].TaskID, "transfer_id": ready[i].ID, "error": err}).Error("disbursement failed")
			continue
		}
		switch outcome {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeRetrying:
			result.Retrying++
		case outcomeFailed:
			result.Failed++
		case outcomeDeferred:
			result.Deferred++
		default:
			result.Skipped++
		}
	}

	if result.Picked > 0 {
		logrus.WithFields(logrus.Fields{
			"picked": result.Picked, "succeeded": result.Succeeded, "retrying": result.Retrying,
			"failed": result.Failed, "deferred": result.Deferred,
		}).Info("disbursement tick finished")
	}
	return result, nil
}

func (e *Errand) processTransfer(ctx context.Context, taskID int64, transferID string) (transferOutcome, error) {
	var outcome transferOutcome
	var notices []notice
	var alert map[string]string

	err := e.withLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		outcome, notices, alert = outcomeSkipped, nil, nil

		transfers, err := tx.GetTransfers()
		if err != nil {
			return err
		}
		var transfer *model.PaymentTransfer
		for i := range transfers {
			if transfers[i].ID == transferID {
				transfer = &transfers[i]
			}
		}
		if transfer == nil || !transfer.InFlight() {
			return nil
		}

		now := e.clock.Now()
		if transfer.NextAttemptAt != nil && transfer.NextAttemptAt.After(now) {
			return nil
		}
		if transfer.AttemptCount >= e.config.Escrow.MaxTransferAttempts {
			return nil
		}

		refunds, err := tx.GetRefundRequests()
		if err != nil {
			return err
		}
		if open := model.OpenRefund(refunds); open != nil && open.Status == model.RefundStatusProcessing {
			return nil
		}

		fields := logrus.Fields{"task_id": taskID, "transfer_id": transfer.ID, "amount": transfer.Amount.String()}
		if task.StripeDisputeFrozen {
			outcome = outcomeDeferred
			return e.deferTransfer(tx, transfer, model.TransferErrorDisputeFrozen, now)
		}

		fail := func(cause error) error {
			outcome, alert = e.failAttempt(transfer, cause, now, fields)
			if outcome == outcomeFailed {
				if err := recordAudit(tx, model.NewAuditEvent(model.EntityTransfer, transfer.ID, model.AuditTransferFailed, model.SystemActor(), nil, transfer, now)); err != nil {
					return err
				}
			}
			return tx.UpdateTransfer(transfer)
		}

		ready, err := e.takerReady(ctx, transfer.TakerID)
		if err != nil {
			return fail(err)
		}
		if ready == "" {
			logrus.WithFields(fields).Info("taker cannot receive payouts yet")
			outcome = outcomeDeferred
			return e.deferTransfer(tx, transfer, model.TransferErrorTakerNotReady, now)
		}

		payout, err := e.gateway.TransferToAccount(ctx, ready, transfer.Amount.Minor(), processor.TransferKey(taskID, transfer.ID), map[string]string{
			"task_id":     fmt.Sprint(taskID),
			"transfer_id": transfer.ID,
		})
		if err != nil {
			return fail(err)
		}

		before := task.Clone()
		transfer.AttemptCount++
		transfer.Status = model.TransferStatusSucceeded
		transfer.TransferID = &payout.TransferID
		transfer.LastError = nil
		transfer.NextAttemptAt = nil
		if err := tx.UpdateTransfer(transfer); err != nil {
			return err
		}

		remaining, err := task.EscrowAmount.Sub(transfer.Amount)
		if err != nil {
			return invariantViolation(task, "transfer exceeds escrow")
		}
		task.EscrowAmount = remaining
		if remaining.IsZero() {
			task.IsConfirmed = true
			taker := transfer.TakerID
			task.PaidToUserID = &taker
			if task.ConfirmedAt == nil {
				task.ConfirmedAt = &now
			}
		}
		if err := tx.SaveTask(task); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTransfer, transfer.ID, model.AuditTransferSucceeded, model.SystemActor(), before, task, now)); err != nil {
			return err
		}

		outcome = outcomeSucceeded
		notices = append(notices, notice{
			userID:    transfer.TakerID,
			kind:      model.NotificationPaymentReceived,
			content:   fmt.Sprintf("%s for task %d was sent to your account", transfer.Amount, taskID),
			relatedID: transfer.ID,
			variables: map[string]string{"task_id": fmt.Sprint(taskID), "amount": transfer.Amount.String()},
		})
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	e.fanout(ctx, notices...)
	if alert != nil {
		e.alertOperator(ctx, "Transfer failed permanently", alert)
	}
	return outcome, nil
}

// takerReady returns the connected account to pay, or "" when the taker has
// not finished onboarding.
func (e *Errand) takerReady(ctx context.Context, takerID string) (string, error) {
	account, err := e.datasource.GetPayoutAccount(ctx, takerID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	status, err := e.gateway.AccountCanReceive(ctx, account.ConnectAccountID)
	if err != nil {
		return "", err
	}
	if !status.Ready() {
		return "", nil
	}
	return account.ConnectAccountID, nil
}

// deferTransfer postpones a transfer without consuming an attempt.
func (e *Errand) deferTransfer(tx database.EscrowTx, transfer *model.PaymentTransfer, reason string, now time.Time) error {
	next := now.Add(config.Seconds(e.config.Escrow.TakerSetupBackoff))
	transfer.Status = model.TransferStatusRetrying
	transfer.NextAttemptAt = &next
	transfer.SetLastError(reason)
	return tx.UpdateTransfer(transfer)
}

// failAttempt records a failed attempt. Retryable failures back off until the
// attempt budget is spent; terminal failures stop immediately. Both permanent
// cases return the fields of an operator alert.
func (e *Errand) failAttempt(transfer *model.PaymentTransfer, err error, now time.Time, fields logrus.Fields) (transferOutcome, map[string]string) {
	kind := processor.KindOf(err)
	fields["error"] = err
	fields["kind"] = kind
	logrus.WithFields(fields).Warn("transfer attempt failed")

	transfer.AttemptCount++
	transfer.SetLastError(fmt.Sprintf("processor_%s", kindLabel(kind)))

	if !processor.IsTerminal(err) && transfer.AttemptCount < e.config.Escrow.MaxTransferAttempts {
		next := now.Add(e.transferBackoff(transfer.AttemptCount))
		transfer.Status = model.TransferStatusRetrying
		transfer.NextAttemptAt = &next
		return outcomeRetrying, nil
	}

	transfer.Status = model.TransferStatusFailedPermanent
	transfer.NextAttemptAt = nil
	return outcomeFailed, map[string]string{
		"task_id":     fmt.Sprint(transfer.TaskID),
		"transfer_id": transfer.ID,
		"amount":      transfer.Amount.String(),
		"attempts":    fmt.Sprint(transfer.AttemptCount),
		"kind":        string(kind),
	}
}

func kindLabel(kind processor.ErrorKind) string {
	switch kind {
	case processor.KindTerminal, processor.KindConflict:
		return "terminal"
	default:
		return "retryable"
	}
}

// RequeueTransfer puts a permanently failed transfer back in the queue with a
// fresh attempt budget. The transfer keeps its id, and with it its idempotency key.
func (e *Errand) RequeueTransfer(ctx context.Context, transferID string, actor model.Actor) (*model.PaymentTransfer, error) {
	ctx, span := tracer.Start(ctx, "Requeuing transfer")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, forbidden("only administrators can requeue transfers")
	}
	stored, err := e.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}

	var requeued *model.PaymentTransfer
	err = e.withLockedTask(ctx, stored.TaskID, func(task *model.Task, tx database.EscrowTx) error {
		transfers, err := tx.GetTransfers()
		if err != nil {
			return err
		}
		var transfer *model.PaymentTransfer
		for i := range transfers {
			if transfers[i].ID == transferID {
				transfer = &transfers[i]
			}
		}
		if transfer == nil {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("transfer with ID '%s' not found", transferID), nil)
		}
		if transfer.Status != model.TransferStatusFailedPermanent {
			return conflictState("transfer %s is %s, not failed", transferID, transfer.Status)
		}
		if transfer.LastError != nil && (*transfer.LastError == model.TransferErrorRefunded || *transfer.LastError == model.TransferErrorDisputeLost) {
			return conflictState("transfer %s was cancelled by %s", transferID, *transfer.LastError)
		}
		if task.StripeDisputeFrozen {
			return disputeFrozen(task.TaskID)
		}
		if transfer.Amount > task.EscrowAmount {
			return apierror.NewReasonError(apierror.ErrInvalidAmount, "", fmt.Sprintf("transfer %s exceeds escrow %s", transfer.Amount, task.EscrowAmount))
		}

		before := *transfer
		transfer.Status = model.TransferStatusPending
		transfer.AttemptCount = 0
		transfer.NextAttemptAt = nil
		transfer.LastError = nil
		if err := tx.UpdateTransfer(transfer); err != nil {
			return err
		}
		if err := recordAudit(tx, model.NewAuditEvent(model.EntityTransfer, transfer.ID, model.AuditTransferRequeued, actor, before, transfer, e.clock.Now())); err != nil {
			return err
		}
		requeued = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}
