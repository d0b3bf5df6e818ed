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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/model"
)

func TestHoldFundsPlacesNetRewardInEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, 1, "55.56")

	amount := model.MustParseMoney("55.56")
	h.gateway.On("CapturePayment", mock.Anything, "pi_1", int64(5556), processor.CaptureKey(1, 5556)).
		Return(&processor.Capture{ChargeID: "ch_9", AmountCaptured: 5556}, nil).Once()

	task, err := h.e.HoldFunds(ctx, 1, "pi_1", amount, poster)
	require.NoError(t, err)
	assert.True(t, task.IsPaid)
	assert.Equal(t, model.TaskStatusInProgress, task.Status)
	assert.Equal(t, model.MustParseMoney("50.00"), task.EscrowAmount)
	assert.Equal(t, amount, task.CapturedAmount)
	assert.Equal(t, "ch_9", *task.ChargeID)

	assert.Equal(t, []string{model.AuditEscrowFunded}, h.auditActions(t, model.EntityTask, database.TaskEntityID(1)))
	assert.Equal(t, 1, h.notificationsOf(t, takerID, model.NotificationEscrowFunded))
	assert.Equal(t, 1, h.queue.count())
	h.requireMoneyBalanced(t, 1, model.Fee(amount, model.TaskSourceMarketplace, model.TaskTypeErrand))
	h.gateway.AssertExpectations(t)
}

func TestHoldFundsRejectsShortCapture(t *testing.T) {
	h := newHarness(t)
	h.seedTask(t, 1, "100.00")

	h.gateway.On("CapturePayment", mock.Anything, "pi_1", int64(10000), mock.Anything).
		Return(&processor.Capture{ChargeID: "ch_1", AmountCaptured: 9000}, nil)

	_, err := h.e.HoldFunds(context.Background(), 1, "pi_1", model.MustParseMoney("100.00"), poster)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidAmount, apierror.CodeOf(err))
	assert.Equal(t, apierror.ReasonIntentAmountMismatch, apierror.ReasonOf(err))
	assert.False(t, h.task(t, 1).IsPaid)
}

func TestHoldFundsPreconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(task *model.Task)
		actor  model.Actor
		amount string
		code   apierror.ErrorCode
		reason string
	}{
		{name: "taker cannot fund", actor: taker, amount: "100.00", code: apierror.ErrForbidden},
		{name: "amount must match reward", actor: poster, amount: "90.00", code: apierror.ErrInvalidAmount},
		{
			name:   "already paid",
			mutate: func(task *model.Task) { task.IsPaid = true },
			actor:  poster, amount: "100.00", code: apierror.ErrConflictState, reason: apierror.ReasonAlreadyPaid,
		},
		{
			name:   "frozen",
			mutate: func(task *model.Task) { task.StripeDisputeFrozen = true },
			actor:  poster, amount: "100.00", code: apierror.ErrDisputeFrozen,
		},
		{
			name:   "open task",
			mutate: func(task *model.Task) { task.Status = model.TaskStatusOpen },
			actor:  poster, amount: "100.00", code: apierror.ErrConflictState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var mutate []func(*model.Task)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			h.seedTask(t, 1, "100.00", mutate...)

			_, err := h.e.HoldFunds(context.Background(), 1, "pi_1", model.MustParseMoney(tt.amount), tt.actor)
			require.Error(t, err)
			assert.Equal(t, tt.code, apierror.CodeOf(err))
			if tt.reason != "" {
				assert.Equal(t, tt.reason, apierror.ReasonOf(err))
			}
			h.gateway.AssertNotCalled(t, "CapturePayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestMarkDoneStartsConfirmationWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")

	_, err := h.e.MarkDone(ctx, 1, poster, "")
	assert.Equal(t, apierror.ErrForbidden, apierror.CodeOf(err))

	task, err := h.e.MarkDone(ctx, 1, taker, "photos attached")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPendingConfirmation, task.Status)
	require.NotNil(t, task.AutoConfirmDueAt)
	assert.Equal(t, h.clock.Now().Add(5*24*time.Hour), *task.AutoConfirmDueAt)
	assert.Equal(t, 1, h.notificationsOf(t, posterID, model.NotificationTaskMarkedDone))

	_, err = h.e.MarkDone(ctx, 1, taker, "")
	assert.Equal(t, apierror.ErrConflictState, apierror.CodeOf(err))
}

func TestConfirmCreatesSingleTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	_, err := h.e.MarkDone(ctx, 1, taker, "")
	require.NoError(t, err)

	_, err = h.e.Confirm(ctx, 1, taker)
	assert.Equal(t, apierror.ErrForbidden, apierror.CodeOf(err))

	task, err := h.e.Confirm(ctx, 1, poster)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.True(t, task.IsConfirmed)
	assert.False(t, task.AutoConfirmed)

	again, err := h.e.Confirm(ctx, 1, poster)
	require.NoError(t, err)
	assert.Equal(t, task.ConfirmedAt, again.ConfirmedAt)

	transfers := h.transfers(t, 1)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.TransferStatusPending, transfers[0].Status)
	assert.Equal(t, model.MustParseMoney("90.00"), transfers[0].Amount)
	assert.Equal(t, takerID, transfers[0].TakerID)
	assert.Equal(t, 1, h.notificationsOf(t, takerID, model.NotificationTaskConfirmed))
	h.gateway.AssertNotCalled(t, "TransferToAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.requireMoneyBalanced(t, 1, model.MustParseMoney("10.00"))
}

func TestConfirmRefusedWhileRefundOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	_, err := h.e.MarkDone(ctx, 1, taker, "")
	require.NoError(t, err)

	_, err = h.e.RequestRefund(ctx, 1, poster, RefundInput{Kind: model.RefundTypeFull, ReasonType: "not_done"})
	require.NoError(t, err)

	_, err = h.e.Confirm(ctx, 1, poster)
	assert.Equal(t, apierror.ErrConflictState, apierror.CodeOf(err))
	assert.Empty(t, h.transfers(t, 1))
}

func TestSweepAutoConfirmations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		h.seedPaidTask(t, id, "100.00")
		_, err := h.e.MarkDone(ctx, id, taker, "")
		require.NoError(t, err)
	}
	_, err := h.e.RequestRefund(ctx, 3, poster, RefundInput{Kind: model.RefundTypeFull, ReasonType: "not_done"})
	require.NoError(t, err)

	_, err = h.e.Confirm(ctx, 1, model.SystemActor())
	assert.Equal(t, apierror.ErrConflictState, apierror.CodeOf(err), "system cannot confirm before the window elapses")

	confirmed, err := h.e.SweepAutoConfirmations(ctx)
	require.NoError(t, err)
	assert.Zero(t, confirmed)

	h.clock.Advance(5*24*time.Hour + time.Second)
	confirmed, err = h.e.SweepAutoConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, confirmed)

	for _, id := range []int64{1, 2} {
		task := h.task(t, id)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.True(t, task.AutoConfirmed)
		assert.Len(t, h.transfers(t, id), 1)
	}
	assert.Equal(t, model.TaskStatusPendingConfirmation, h.task(t, 3).Status)
	assert.Empty(t, h.transfers(t, 3))
}

func TestFreezeBlocksRefundsAndConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	_, err := h.e.MarkDone(ctx, 1, taker, "")
	require.NoError(t, err)

	_, err = h.e.FreezeDispute(ctx, 1, poster)
	assert.Equal(t, apierror.ErrForbidden, apierror.CodeOf(err))

	task, err := h.e.FreezeDispute(ctx, 1, admin)
	require.NoError(t, err)
	assert.True(t, task.StripeDisputeFrozen)

	_, err = h.e.RequestRefund(ctx, 1, poster, RefundInput{Kind: model.RefundTypeFull, ReasonType: "not_done"})
	assert.Equal(t, apierror.ErrDisputeFrozen, apierror.CodeOf(err))
	_, err = h.e.Confirm(ctx, 1, poster)
	assert.Equal(t, apierror.ErrDisputeFrozen, apierror.CodeOf(err))

	task, err = h.e.UnfreezeDispute(ctx, 1, admin, DisputeWon)
	require.NoError(t, err)
	assert.False(t, task.StripeDisputeFrozen)
	assert.Equal(t, model.MustParseMoney("90.00"), task.EscrowAmount)

	_, err = h.e.Confirm(ctx, 1, poster)
	require.NoError(t, err)
	assert.Equal(t, 2, h.notificationsOf(t, takerID, model.NotificationDisputeOpened)+h.notificationsOf(t, takerID, model.NotificationDisputeResolved))
}

func TestFreezeRequiresPaidTask(t *testing.T) {
	h := newHarness(t)
	h.seedTask(t, 1, "100.00")

	_, err := h.e.FreezeDispute(context.Background(), 1, admin)
	assert.Equal(t, apierror.ErrConflictState, apierror.CodeOf(err))
	assert.Equal(t, apierror.ReasonTaskNotPaid, apierror.ReasonOf(err))
}

func TestLostDisputeBooksChargeback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	_, err := h.e.MarkDone(ctx, 1, taker, "")
	require.NoError(t, err)
	_, err = h.e.Confirm(ctx, 1, poster)
	require.NoError(t, err)
	open, err := h.e.RequestRefund(ctx, 1, poster, RefundInput{Kind: model.RefundTypeFull, ReasonType: "not_done"})
	require.NoError(t, err)

	_, err = h.e.FreezeDispute(ctx, 1, model.SystemActor())
	require.NoError(t, err)

	_, err = h.e.UnfreezeDispute(ctx, 1, admin, DisputeResolution("draw"))
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	task, err := h.e.UnfreezeDispute(ctx, 1, admin, DisputeLost)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.True(t, task.EscrowAmount.IsZero())
	assert.False(t, task.IsPaid)

	transfers := h.transfers(t, 1)
	require.Len(t, transfers, 1)
	assert.Equal(t, model.TransferStatusFailedPermanent, transfers[0].Status)
	assert.Equal(t, model.TransferErrorDisputeLost, *transfers[0].LastError)

	refunds := h.refunds(t, 1)
	require.Len(t, refunds, 2)
	for _, r := range refunds {
		if r.ID == open.ID {
			assert.Equal(t, model.RefundStatusRejected, r.Status)
			continue
		}
		assert.Equal(t, model.RefundStatusCompleted, r.Status)
		assert.Equal(t, model.MustParseMoney("100.00"), r.Amount())
	}
	assert.Contains(t, h.auditActions(t, model.EntityTask, database.TaskEntityID(1)), model.AuditDisputeLost)
	h.requireMoneyBalanced(t, 1, 0)
	h.gateway.AssertNotCalled(t, "RefundCharge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommitRefusesBrokenMoneyInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")

	err := h.e.withLockedTask(ctx, 1, func(task *model.Task, tx database.EscrowTx) error {
		task.EscrowAmount = model.MustParseMoney("150.00")
		return tx.SaveTask(task)
	})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrInternal, apierror.CodeOf(err))
	assert.Equal(t, apierror.ReasonInvariantViolated, apierror.ReasonOf(err))
	assert.Equal(t, model.MustParseMoney("90.00"), h.task(t, 1).EscrowAmount, "rolled back")

	err = h.e.withLockedTask(ctx, 1, func(task *model.Task, tx database.EscrowTx) error {
		task.EscrowAmount = -1
		return tx.SaveTask(task)
	})
	assert.Equal(t, apierror.ReasonInvariantViolated, apierror.ReasonOf(err))
}
