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
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/database/memstore"
	"github.com/errandhq/errand/internal/clock"
	"github.com/errandhq/errand/internal/processor/mocks"
	"github.com/errandhq/errand/model"
)

const (
	posterID   = "poster"
	takerID    = "taker"
	operatorID = "operator"
)

var (
	admin      = model.Actor{ID: "admin", Role: model.RoleAdmin}
	superAdmin = model.Actor{ID: "root", Role: model.RoleSuperAdmin}
	poster     = model.UserActor(posterID)
	taker      = model.UserActor(takerID)
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []model.PushJob
}

func (q *recordingQueue) EnqueuePush(_ context.Context, job model.PushJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type alert struct {
	title  string
	fields map[string]string
}

type harness struct {
	e       *Errand
	store   *memstore.Store
	gateway *mocks.MockGateway
	clock   *clock.Fake
	queue   *recordingQueue
	cnf     *config.Configuration

	mu     sync.Mutex
	alerts []alert
}

func testConfig() *config.Configuration {
	cnf := &config.Configuration{
		Escrow:    config.EscrowConfig{OperatorUserID: operatorID},
		Messaging: config.MessagingConfig{AttachmentSecret: "attachment-secret"},
	}
	config.MockConfig(cnf)
	return cnf
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)),
		gateway: new(mocks.MockGateway),
		queue:   &recordingQueue{},
		cnf:     testConfig(),
	}
	h.store = memstore.New(memstore.WithClock(h.clock))

	base := []Option{
		WithConfig(h.cnf),
		WithClock(h.clock),
		WithQueue(h.queue),
		WithOperatorNotifier(func(title string, fields map[string]string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.alerts = append(h.alerts, alert{title: title, fields: fields})
			return nil
		}),
	}
	e, err := NewErrand(h.store, h.gateway, append(base, opts...)...)
	require.NoError(t, err)
	h.e = e
	return h
}

func (h *harness) alertCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.alerts)
}

// seedTask stores a taken marketplace errand with a 10% fee.
func (h *harness) seedTask(t *testing.T, taskID int64, reward string, mutate ...func(task *model.Task)) *model.Task {
	t.Helper()
	amount := model.MustParseMoney(reward)
	taker := takerID
	task := &model.Task{
		TaskID:       taskID,
		PosterID:     posterID,
		TakerID:      &taker,
		Status:       model.TaskStatusTaken,
		TaskSource:   model.TaskSourceMarketplace,
		TaskType:     model.TaskTypeErrand,
		BaseReward:   amount,
		AgreedReward: &amount,
	}
	for _, fn := range mutate {
		fn(task)
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

// seedPaidTask stores a task whose reward was captured and whose net amount is in escrow.
func (h *harness) seedPaidTask(t *testing.T, taskID int64, reward string, mutate ...func(task *model.Task)) *model.Task {
	t.Helper()
	paid := func(task *model.Task) {
		amount := task.Reward()
		task.Status = model.TaskStatusInProgress
		task.IsPaid = true
		task.CapturedAmount = amount
		task.EscrowAmount = amount - model.Fee(amount, task.TaskSource, task.TaskType)
		task.PaymentIntentID = strPtr("pi_" + gofakeit.LetterN(8))
		task.ChargeID = strPtr("ch_1")
	}
	return h.seedTask(t, taskID, reward, append([]func(*model.Task){paid}, mutate...)...)
}

// seedTransfer stores a transfer directly, bypassing the engine.
func (h *harness) seedTransfer(t *testing.T, taskID int64, transfer model.PaymentTransfer) model.PaymentTransfer {
	t.Helper()
	err := h.store.WithLockedTask(context.Background(), taskID, func(task *model.Task, tx database.EscrowTx) error {
		transfer.TaskID = taskID
		transfer.TakerID = task.Taker()
		transfer.PosterID = task.PosterID
		transfer.Currency = "GBP"
		return tx.CreateTransfer(&transfer)
	})
	require.NoError(t, err)
	return transfer
}

func (h *harness) setPayoutAccount(t *testing.T, userID, accountID string) {
	t.Helper()
	require.NoError(t, h.store.UpsertPayoutAccount(context.Background(), &model.PayoutAccount{UserID: userID, ConnectAccountID: accountID}))
}

func (h *harness) task(t *testing.T, taskID int64) *model.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func (h *harness) transfers(t *testing.T, taskID int64) []model.PaymentTransfer {
	t.Helper()
	transfers, err := h.store.GetTransfersByTask(context.Background(), taskID)
	require.NoError(t, err)
	return transfers
}

func (h *harness) refunds(t *testing.T, taskID int64) []model.RefundRequest {
	t.Helper()
	refunds, err := h.store.GetRefundRequestsByTask(context.Background(), taskID)
	require.NoError(t, err)
	return refunds
}

func (h *harness) notificationsOf(t *testing.T, userID, kind string) int {
	t.Helper()
	notifications, err := h.store.GetNotifications(context.Background(), userID, 100)
	require.NoError(t, err)
	count := 0
	for _, n := range notifications {
		if n.Type == kind {
			count++
		}
	}
	return count
}

func (h *harness) auditActions(t *testing.T, entityType, entityID string) []string {
	t.Helper()
	events, err := h.store.GetAuditEvents(context.Background(), entityType, entityID)
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	return actions
}

// requireMoneyBalanced checks that every captured minor unit is accounted for
// by escrow, payouts, refunds and the fee the platform keeps.
func (h *harness) requireMoneyBalanced(t *testing.T, taskID int64, retainedFee model.Money) {
	t.Helper()
	task := h.task(t, taskID)
	transfers := h.transfers(t, taskID)
	refunds := h.refunds(t, taskID)

	accounted := task.EscrowAmount + model.NetTransferred(transfers) + model.CompletedRefunds(refunds) + retainedFee
	require.Equal(t, task.CapturedAmount, accounted, "escrow=%s net=%s refunds=%s fee=%s",
		task.EscrowAmount, model.NetTransferred(transfers), model.CompletedRefunds(refunds), retainedFee)

	inFlight := 0
	for i := range transfers {
		if transfers[i].InFlight() {
			inFlight++
		}
	}
	require.LessOrEqual(t, inFlight, 1)
}

func strPtr(s string) *string {
	return &s
}

func moneyPtr(value string) *model.Money {
	m := model.MustParseMoney(value)
	return &m
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), p...))
	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error { return nil }

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}
