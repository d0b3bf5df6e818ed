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
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/errandhq/errand/internal/apierror"
	"github.com/errandhq/errand/model"
)

const (
	maxEvidenceLength = 2000
	maxMessageLength  = 5000
	maxReasonLength   = 1000
)

// DisputeResolution is the outcome of an external chargeback.
type DisputeResolution string

const (
	DisputeWon  DisputeResolution = "won"
	DisputeLost DisputeResolution = "lost"
)

// RefundInput is what a poster supplies when asking for money back.
type RefundInput struct {
	Kind       string       `json:"refund_type"`
	Amount     *model.Money `json:"amount,omitempty"`
	ReasonType string       `json:"reason_type"`
	Reason     string       `json:"reason"`
}

func (r RefundInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.Required, validation.In(model.RefundTypeFull, model.RefundTypePartial)),
		validation.Field(&r.ReasonType, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Reason, validation.Length(0, maxReasonLength)),
		validation.Field(&r.Amount, validation.When(r.Kind == model.RefundTypePartial, validation.Required)),
	)
}

// MessageInput is the body of a message append.
type MessageInput struct {
	Content        string                    `json:"content"`
	MessageType    string                    `json:"message_type"`
	Meta           map[string]interface{}    `json:"meta,omitempty"`
	Attachments    []model.MessageAttachment `json:"attachments,omitempty"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
}

func (m MessageInput) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MessageType, validation.Required, validation.In(model.MessageTypeNormal, model.MessageTypeSystem)),
		validation.Field(&m.Content, validation.When(len(m.Attachments) == 0, validation.Required), validation.Length(0, maxMessageLength)),
		validation.Field(&m.IdempotencyKey, validation.Length(0, 128)),
		validation.Field(&m.Attachments, validation.By(func(value interface{}) error {
			for i := range m.Attachments {
				a := m.Attachments[i]
				if !a.Valid() {
					return fmt.Errorf("attachment %d must carry exactly one of url or blob_id", i)
				}
				if a.AttachmentType != model.AttachmentImage && a.AttachmentType != model.AttachmentFile {
					return fmt.Errorf("attachment %d has unknown type %q", i, a.AttachmentType)
				}
			}
			return nil
		})),
	)
}

func validateEvidence(evidence string) error {
	return validation.Validate(strings.TrimSpace(evidence), validation.Length(0, maxEvidenceLength))
}

func invalidInput(err error) error {
	return apierror.NewReasonError(apierror.ErrInvalidInput, "", err.Error())
}

func conflictState(format string, args ...interface{}) error {
	return apierror.NewReasonError(apierror.ErrConflictState, "", fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...interface{}) error {
	return apierror.NewReasonError(apierror.ErrForbidden, "", fmt.Sprintf(format, args...))
}

func disputeFrozen(taskID int64) error {
	return apierror.NewReasonError(apierror.ErrDisputeFrozen, "", fmt.Sprintf("task %d is frozen by a payment dispute", taskID))
}

func taskNotPaid(taskID int64) error {
	return apierror.NewReasonError(apierror.ErrConflictState, apierror.ReasonTaskNotPaid, fmt.Sprintf("task %d has not been paid", taskID))
}

func exceedsRefundable(amount, refundable model.Money) error {
	return apierror.NewReasonError(apierror.ErrInvalidAmount, apierror.ReasonAmountExceedsRefundable,
		fmt.Sprintf("amount %s exceeds refundable %s", amount, refundable))
}
