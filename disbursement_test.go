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

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/model"
)

func TestTransferBackoff(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 60*time.Second, h.e.transferBackoff(1))
	assert.Equal(t, 120*time.Second, h.e.transferBackoff(2))
	assert.Equal(t, 240*time.Second, h.e.transferBackoff(3))
	assert.Equal(t, 6*time.Hour, h.e.transferBackoff(10))
}

func TestRetryableTransferFailsPermanentlyAfterBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 4, "55.56")
	h.setPayoutAccount(t, takerID, "acct_taker")
	h.confirmTask(t, 4)

	h.gateway.On("AccountCanReceive", mock.Anything, "acct_taker").
		Return(&processor.AccountStatus{Submitted: true, ChargesEnabled: true}, nil)
	h.gateway.On("TransferToAccount", mock.Anything, "acct_taker", int64(5000), mock.Anything, mock.Anything).
		Return(nil, processor.NewError(processor.KindRetryable, "transfer", "", "upstream timeout"))

	started := h.clock.Now()
	result, err := h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retrying)

	transfer := h.transfers(t, 4)[0]
	assert.Equal(t, model.TransferStatusRetrying, transfer.Status)
	assert.Equal(t, 1, transfer.AttemptCount)
	assert.Equal(t, started.Add(60*time.Second), *transfer.NextAttemptAt)
	assert.Equal(t, "processor_retryable", *transfer.LastError)

	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Picked, "not due yet")

	for attempt := 2; attempt <= 6; attempt++ {
		h.clock.Advance(time.Hour)
		_, err := h.e.RunDisbursementTick(ctx)
		require.NoError(t, err)

		transfer = h.transfers(t, 4)[0]
		assert.Equal(t, attempt, transfer.AttemptCount)
		assert.Equal(t, model.MustParseMoney("50.00"), h.task(t, 4).EscrowAmount)
		h.requireMoneyBalanced(t, 4, model.MustParseMoney("5.56"))
	}

	assert.Equal(t, model.TransferStatusFailedPermanent, transfer.Status)
	assert.Nil(t, transfer.NextAttemptAt)
	assert.Equal(t, 1, h.alertCount())
	assert.Equal(t, 1, h.notificationsOf(t, operatorID, model.NotificationOperatorAlert))
	assert.Contains(t, h.auditActions(t, model.EntityTransfer, transfer.ID), model.AuditTransferFailed)

	h.clock.Advance(24 * time.Hour)
	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Picked)
	h.gateway.AssertNumberOfCalls(t, "TransferToAccount", 6)
}

func TestTerminalTransferCanBeRequeued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	h.setPayoutAccount(t, takerID, "acct_taker")
	h.confirmTask(t, 1)
	transferID := h.transfers(t, 1)[0].ID
	key := processor.TransferKey(1, transferID)

	h.gateway.On("AccountCanReceive", mock.Anything, "acct_taker").
		Return(&processor.AccountStatus{Submitted: true, ChargesEnabled: true}, nil)
	h.gateway.On("TransferToAccount", mock.Anything, "acct_taker", int64(9000), key, mock.Anything).
		Return(nil, processor.NewError(processor.KindTerminal, "transfer", "account_closed", "destination closed")).Once()
	h.gateway.On("TransferToAccount", mock.Anything, "acct_taker", int64(9000), key, mock.Anything).
		Return(&processor.Transfer{TransferID: "tr_1"}, nil).Once()

	result, err := h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	failed := h.transfers(t, 1)[0]
	assert.Equal(t, model.TransferStatusFailedPermanent, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, 1, h.alertCount())

	_, err = h.e.RequeueTransfer(ctx, transferID, poster)
	assert.Equal(t, apierror.ErrForbidden, apierror.CodeOf(err))

	requeued, err := h.e.RequeueTransfer(ctx, transferID, admin)
	require.NoError(t, err)
	assert.Equal(t, transferID, requeued.ID)
	assert.Equal(t, model.TransferStatusPending, requeued.Status)
	assert.Zero(t, requeued.AttemptCount)

	_, err = h.e.RequeueTransfer(ctx, transferID, admin)
	assert.Equal(t, apierror.ErrConflictState, apierror.CodeOf(err))

	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.True(t, h.task(t, 1).EscrowAmount.IsZero())

	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Picked)
	h.gateway.AssertExpectations(t)
	h.requireMoneyBalanced(t, 1, model.MustParseMoney("10.00"))
}

func TestTransferWaitsForTakerOnboarding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	h.confirmTask(t, 1)

	result, err := h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	transfer := h.transfers(t, 1)[0]
	assert.Equal(t, model.TransferStatusRetrying, transfer.Status)
	assert.Zero(t, transfer.AttemptCount)
	assert.Equal(t, model.TransferErrorTakerNotReady, *transfer.LastError)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *transfer.NextAttemptAt)

	h.setPayoutAccount(t, takerID, "acct_taker")
	h.gateway.On("AccountCanReceive", mock.Anything, "acct_taker").
		Return(&processor.AccountStatus{Submitted: true}, nil).Once()
	h.clock.Advance(time.Hour)

	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Zero(t, h.transfers(t, 1)[0].AttemptCount)

	h.expectPayout("acct_taker", 9000).Once()
	h.clock.Advance(time.Hour)

	result, err = h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	transfer = h.transfers(t, 1)[0]
	assert.Equal(t, 1, transfer.AttemptCount)
	assert.Nil(t, transfer.LastError)
}

func TestFrozenTaskDefersTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	h.setPayoutAccount(t, takerID, "acct_taker")
	h.confirmTask(t, 1)

	_, err := h.e.FreezeDispute(ctx, 1, admin)
	require.NoError(t, err)

	result, err := h.e.RunDisbursementTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	transfer := h.transfers(t, 1)[0]
	assert.Equal(t, model.TransferErrorDisputeFrozen, *transfer.LastError)
	assert.Zero(t, transfer.AttemptCount)
	h.gateway.AssertNotCalled(t, "AccountCanReceive", mock.Anything, mock.Anything)
	h.gateway.AssertNotCalled(t, "TransferToAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRequeueRefusesTransferAboveEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPaidTask(t, 1, "100.00")
	stale := h.seedTransfer(t, 1, model.PaymentTransfer{
		Amount:    model.MustParseMoney("95.00"),
		Status:    model.TransferStatusFailedPermanent,
		LastError: strPtr("processor_terminal"),
	})

	_, err := h.e.RequeueTransfer(ctx, stale.ID, admin)
	assert.Equal(t, apierror.ErrInvalidAmount, apierror.CodeOf(err))
}
