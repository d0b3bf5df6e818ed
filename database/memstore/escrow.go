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

package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

func (s *Store) taskLock(taskID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		s.taskLocks[taskID] = lock
	}
	return lock
}

// WithLockedTask serialises callers per task. Writes made through the EscrowTx
// are staged and only become visible when fn returns nil.
func (s *Store) WithLockedTask(ctx context.Context, taskID int64, fn func(task *model.Task, tx database.EscrowTx) error) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternal, "Failed to begin transaction", err)
	}

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return notFound("task with ID '%d' not found", taskID)
	}
	tx := &escrowTx{store: s, taskID: taskID}
	for _, t := range s.transfers {
		if t.TaskID == taskID {
			tx.transfers = append(tx.transfers, cloneTransfer(t))
		}
	}
	for _, r := range s.refunds {
		if r.TaskID == taskID {
			tx.refunds = append(tx.refunds, cloneRefund(r))
		}
	}
	locked := task.Clone()
	s.mu.Unlock()

	if err := fn(locked, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *escrowTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.task != nil {
		s.tasks[tx.taskID] = tx.task
	}

	transfers := s.transfers[:0:0]
	for _, t := range s.transfers {
		if t.TaskID != tx.taskID {
			transfers = append(transfers, t)
		}
	}
	s.transfers = append(transfers, tx.transfers...)

	refunds := s.refunds[:0:0]
	for _, r := range s.refunds {
		if r.TaskID != tx.taskID {
			refunds = append(refunds, r)
		}
	}
	s.refunds = append(refunds, tx.refunds...)

	s.audits = append(s.audits, tx.audits...)
}

type escrowTx struct {
	store     *Store
	taskID    int64
	task      *model.Task
	transfers []*model.PaymentTransfer
	refunds   []*model.RefundRequest
	audits    []model.AuditEvent
}

func (e *escrowTx) SaveTask(task *model.Task) error {
	if task.TaskID != e.taskID {
		return apierror.NewAPIError(apierror.ErrInternal, "task does not belong to this critical section", nil)
	}
	task.UpdatedAt = e.store.now()
	e.task = task.Clone()
	return nil
}

func (e *escrowTx) GetTransfers() ([]model.PaymentTransfer, error) {
	out := make([]model.PaymentTransfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, *cloneTransfer(t))
	}
	return out, nil
}

func (e *escrowTx) inFlightConflict(transfer *model.PaymentTransfer) bool {
	if !transfer.InFlight() {
		return false
	}
	for _, t := range e.transfers {
		if t.ID != transfer.ID && t.InFlight() {
			return true
		}
	}
	return false
}

func (e *escrowTx) CreateTransfer(transfer *model.PaymentTransfer) error {
	if transfer.ID == "" {
		transfer.ID = model.GenerateUUIDWithSuffix("transfer")
	}
	now := e.store.now()
	transfer.CreatedAt, transfer.UpdatedAt = now, now
	transfer.TaskID = e.taskID

	if e.inFlightConflict(transfer) {
		return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has a transfer in flight", e.taskID), nil)
	}
	e.transfers = append(e.transfers, cloneTransfer(transfer))
	return nil
}

func (e *escrowTx) UpdateTransfer(transfer *model.PaymentTransfer) error {
	transfer.UpdatedAt = e.store.now()
	if e.inFlightConflict(transfer) {
		return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has a transfer in flight", e.taskID), nil)
	}
	for i, t := range e.transfers {
		if t.ID == transfer.ID {
			updated := cloneTransfer(transfer)
			updated.TaskID, updated.CreatedAt = t.TaskID, t.CreatedAt
			e.transfers[i] = updated
			return nil
		}
	}
	return nil
}

func (e *escrowTx) GetRefundRequests() ([]model.RefundRequest, error) {
	out := make([]model.RefundRequest, 0, len(e.refunds))
	for _, r := range e.refunds {
		out = append(out, *cloneRefund(r))
	}
	return out, nil
}

func (e *escrowTx) CreateRefundRequest(refund *model.RefundRequest) error {
	if refund.ID == "" {
		refund.ID = model.GenerateUUIDWithSuffix("refund")
	}
	now := e.store.now()
	refund.CreatedAt, refund.UpdatedAt = now, now
	refund.TaskID = e.taskID

	if refund.Open() {
		for _, r := range e.refunds {
			if r.Open() {
				return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already has an open refund request", e.taskID), nil)
			}
		}
	}
	e.refunds = append(e.refunds, cloneRefund(refund))
	return nil
}

func (e *escrowTx) UpdateRefundRequest(refund *model.RefundRequest) error {
	refund.UpdatedAt = e.store.now()
	for i, r := range e.refunds {
		if r.ID == refund.ID {
			updated := cloneRefund(refund)
			updated.TaskID, updated.CreatedAt = r.TaskID, r.CreatedAt
			e.refunds[i] = updated
			return nil
		}
	}
	return nil
}

func (e *escrowTx) RecordAudit(event *model.AuditEvent) error {
	if event.ID == "" {
		event.ID = model.GenerateUUIDWithSuffix("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.store.now()
	}
	e.audits = append(e.audits, *event)
	return nil
}

func (s *Store) FindReadyTransfers(_ context.Context, now time.Time, maxAttempts, limit int) ([]model.PaymentTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []model.PaymentTransfer
	for _, t := range s.transfers {
		if !t.InFlight() || t.AttemptCount >= maxAttempts {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, *cloneTransfer(t))
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i].NextAttemptAt, ready[j].NextAttemptAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (*model.PaymentTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.transfers {
		if t.ID == id {
			return cloneTransfer(t), nil
		}
	}
	return nil, notFound("transfer with ID '%s' not found", id)
}

func (s *Store) GetTransfersByTask(_ context.Context, taskID int64) ([]model.PaymentTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PaymentTransfer
	for _, t := range s.transfers {
		if t.TaskID == taskID {
			out = append(out, *cloneTransfer(t))
		}
	}
	return out, nil
}

func (s *Store) GetRefundRequest(_ context.Context, id string) (*model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.refunds {
		if r.ID == id {
			return cloneRefund(r), nil
		}
	}
	return nil, notFound("refund request with ID '%s' not found", id)
}

func (s *Store) GetRefundRequestsByTask(_ context.Context, taskID int64) ([]model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RefundRequest
	for _, r := range s.refunds {
		if r.TaskID == taskID {
			out = append(out, *cloneRefund(r))
		}
	}
	return out, nil
}

func (s *Store) FindStuckRefunds(_ context.Context, updatedBefore time.Time, limit int) ([]model.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RefundRequest
	for _, r := range s.refunds {
		if r.Status == model.RefundStatusProcessing && !r.UpdatedAt.After(updatedBefore) {
			out = append(out, *cloneRefund(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetAuditEvents(_ context.Context, entityType, entityID string) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.AuditEvent
	for _, event := range s.audits {
		if event.EntityType == entityType && event.EntityID == entityID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *Store) GetPayoutAccount(_ context.Context, userID string) (*model.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.payouts[userID]
	if !ok {
		return nil, notFound("payout account for user '%s' not found", userID)
	}
	return &account, nil
}

func (s *Store) UpsertPayoutAccount(_ context.Context, account *model.PayoutAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	account.UpdatedAt = now
	if existing, ok := s.payouts[account.UserID]; ok {
		account.CreatedAt = existing.CreatedAt
	} else if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	s.payouts[account.UserID] = *account
	return nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTransfer(t *model.PaymentTransfer) *model.PaymentTransfer {
	c := *t
	c.TransferID = clonePtr(t.TransferID)
	c.LastError = clonePtr(t.LastError)
	c.NextAttemptAt = clonePtr(t.NextAttemptAt)
	return &c
}

func cloneRefund(r *model.RefundRequest) *model.RefundRequest {
	c := *r
	c.AdminRefundAmount = clonePtr(r.AdminRefundAmount)
	c.RefundIntentID = clonePtr(r.RefundIntentID)
	c.RefundTransferID = clonePtr(r.RefundTransferID)
	c.ResultingTaskStatus = clonePtr(r.ResultingTaskStatus)
	c.ReviewedBy = clonePtr(r.ReviewedBy)
	c.ReviewedAt = clonePtr(r.ReviewedAt)
	c.AdminComment = clonePtr(r.AdminComment)
	c.ProcessedAt = clonePtr(r.ProcessedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.LastError = clonePtr(r.LastError)
	return &c
}
