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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/errandhq/errand/config"
	"github.com/errandhq/errand/database"
	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/internal/capability"
	"github.com/errandhq/errand/internal/clock"
	"github.com/errandhq/errand/internal/connections"
	"github.com/errandhq/errand/internal/notification"
	"github.com/errandhq/errand/internal/processor"
	"github.com/errandhq/errand/internal/push"
	"github.com/errandhq/errand/internal/storage"
	"github.com/errandhq/errand/model"
)

var tracer = otel.Tracer("errand")

//go:embed sql/*.sql
var SQLFiles embed.FS

// PushQueue accepts push jobs for asynchronous delivery.
type PushQueue interface {
	EnqueuePush(ctx context.Context, job model.PushJob) error
}

// CouponRestorer gives back coupon usage tied to a refunded payment.
type CouponRestorer interface {
	RestoreCoupon(ctx context.Context, taskID int64, refundID string) error
}

// OperatorNotifier alerts the on-call operator outside the product.
type OperatorNotifier func(title string, fields map[string]string) error

// Errand hosts the escrow engine, the disbursement worker and the messaging
// engine. All state lives behind the datasource except the connection registry.
type Errand struct {
	datasource database.IDataSource
	gateway    processor.Gateway
	config     *config.Configuration
	clock      clock.Clock
	queue      PushQueue
	registry   *connections.Registry
	signer     *capability.Signer
	storage    storage.Blob
	redis      redis.UniversalClient
	pusher     push.Sender
	coupons    CouponRestorer
	operator   OperatorNotifier

	elevatedRefundThreshold model.Money
}

type Option func(*Errand)

func WithConfig(cnf *config.Configuration) Option {
	return func(e *Errand) { e.config = cnf }
}

func WithClock(c clock.Clock) Option {
	return func(e *Errand) { e.clock = c }
}

func WithQueue(q PushQueue) Option {
	return func(e *Errand) { e.queue = q }
}

func WithRegistry(r *connections.Registry) Option {
	return func(e *Errand) { e.registry = r }
}

func WithSigner(s *capability.Signer) Option {
	return func(e *Errand) { e.signer = s }
}

func WithStorage(b storage.Blob) Option {
	return func(e *Errand) { e.storage = b }
}

// WithRedis enables the cluster wide maintenance flag and the singleton job locks.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Errand) { e.redis = client }
}

func WithPushSender(s push.Sender) Option {
	return func(e *Errand) { e.pusher = s }
}

func WithCouponRestorer(c CouponRestorer) Option {
	return func(e *Errand) { e.coupons = c }
}

func WithOperatorNotifier(fn OperatorNotifier) Option {
	return func(e *Errand) { e.operator = fn }
}

// NewErrand wires the engines over the given datasource and payment processor.
// The configuration is fetched from the config store unless WithConfig is used.
func NewErrand(db database.IDataSource, gateway processor.Gateway, opts ...Option) (*Errand, error) {
	e := &Errand{
		datasource: db,
		gateway:    gateway,
		clock:      clock.New(),
		operator:   notification.NotifyOperator,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.config == nil {
		cnf, err := config.Fetch()
		if err != nil {
			return nil, err
		}
		e.config = cnf
	}
	if e.signer == nil {
		e.signer = capability.NewSigner(e.config.Messaging.AttachmentSecret)
	}

	threshold, err := model.ParseMoney(e.config.Escrow.ElevatedRefundThreshold)
	if err != nil {
		return nil, fmt.Errorf("elevated refund threshold: %w", err)
	}
	e.elevatedRefundThreshold = threshold
	return e, nil
}

// Registry returns the live connection registry, if one was configured.
func (e *Errand) Registry() *connections.Registry {
	return e.registry
}

// withLockedTask runs fn inside the task critical section and refuses to
// commit a state that breaks the money invariants.
func (e *Errand) withLockedTask(ctx context.Context, taskID int64, fn func(task *model.Task, tx database.EscrowTx) error) error {
	return e.datasource.WithLockedTask(ctx, taskID, func(task *model.Task, tx database.EscrowTx) error {
		if err := fn(task, tx); err != nil {
			return err
		}
		return checkInvariants(task, tx)
	})
}

func checkInvariants(task *model.Task, tx database.EscrowTx) error {
	if task.EscrowAmount < 0 {
		return invariantViolation(task, "escrow amount is negative")
	}

	transfers, err := tx.GetTransfers()
	if err != nil {
		return err
	}
	refunds, err := tx.GetRefundRequests()
	if err != nil {
		return err
	}

	inFlight := 0
	for i := range transfers {
		if transfers[i].InFlight() {
			inFlight++
		}
	}
	if inFlight > 1 {
		return invariantViolation(task, "more than one transfer in flight")
	}

	if task.CapturedAmount > 0 {
		accounted := task.EscrowAmount + model.NetTransferred(transfers) + model.CompletedRefunds(refunds)
		if accounted > task.CapturedAmount {
			return invariantViolation(task, fmt.Sprintf("accounted %s exceeds captured %s", accounted, task.CapturedAmount))
		}
	}
	return nil
}

func invariantViolation(task *model.Task, detail string) error {
	logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "detail": detail}).Error("escrow invariant violated, rolling back")
	return apierror.NewReasonError(apierror.ErrInternal, apierror.ReasonInvariantViolated, "escrow invariant violated")
}
