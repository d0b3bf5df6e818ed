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

// Package memstore is an in-memory database.IDataSource. It keeps the same
// uniqueness, ordering and locking rules as the Postgres store so the engines
// can be exercised without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/clock"
	"github.com/errandhq/errand/model"
)

var _ database.IDataSource = (*Store)(nil)

type cursorKey struct {
	conversation string
	user         string
}

type templateKey struct {
	notificationType string
	language         string
}

type Store struct {
	mu        sync.Mutex
	clock     clock.Clock
	taskLocks map[int64]*sync.Mutex

	tasks     map[int64]*model.Task
	transfers []*model.PaymentTransfer
	refunds   []*model.RefundRequest
	audits    []model.AuditEvent
	payouts   map[string]model.PayoutAccount

	lastOrdinal map[string]int64
	messages    []*model.Message
	cursors     map[cursorKey]model.ReadCursor
	chats       map[string]model.CustomerServiceChat

	notifications []model.Notification
	deviceTokens  map[string]*model.DeviceToken
	templates     map[templateKey]model.PushTemplate
}

type Option func(*Store)

// WithClock stamps created and updated times from c instead of the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		clock:        clock.New(),
		taskLocks:    make(map[int64]*sync.Mutex),
		tasks:        make(map[int64]*model.Task),
		payouts:      make(map[string]model.PayoutAccount),
		lastOrdinal:  make(map[string]int64),
		cursors:      make(map[cursorKey]model.ReadCursor),
		chats:        make(map[string]model.CustomerServiceChat),
		deviceTokens: make(map[string]*model.DeviceToken),
		templates:    make(map[templateKey]model.PushTemplate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func notFound(format string, args ...interface{}) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf(format, args...), nil)
}

func (s *Store) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.TaskID]; ok {
		return apierror.NewAPIError(apierror.ErrDuplicateRequest, fmt.Sprintf("task %d already exists", task.TaskID), nil)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.TaskID] = task.Clone()
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, notFound("task with ID '%d' not found", taskID)
	}
	return task.Clone(), nil
}

func (s *Store) GetTasksDueForAutoConfirm(_ context.Context, now time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Task
	for _, task := range s.tasks {
		if task.Status != model.TaskStatusPendingConfirmation || task.StripeDisputeFrozen {
			continue
		}
		if task.AutoConfirmDueAt == nil || task.AutoConfirmDueAt.After(now) {
			continue
		}
		if s.openRefundLocked(task.TaskID) != nil {
			continue
		}
		due = append(due, task)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].AutoConfirmDueAt.Before(*due[j].AutoConfirmDueAt)
	})

	ids := make([]int64, 0, len(due))
	for _, task := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, task.TaskID)
	}
	return ids, nil
}

func (s *Store) openRefundLocked(taskID int64) *model.RefundRequest {
	for _, r := range s.refunds {
		if r.TaskID == taskID && r.Open() {
			return r
		}
	}
	return nil
}
