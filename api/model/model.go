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

package model

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/errandhq/errand"
	"github.com/errandhq/errand/model"
)

const maxMaintenanceSeconds = 24 * 60 * 60

type HoldFunds struct {
	IntentID string      `json:"intent_id"`
	Amount   model.Money `json:"amount"`
}

func (h *HoldFunds) ValidateHoldFunds() error {
	return validation.ValidateStruct(h,
		validation.Field(&h.IntentID, validation.Required, validation.Length(1, 255)),
		validation.Field(&h.Amount, validation.By(positiveMoney)),
	)
}

type MarkDone struct {
	Evidence string `json:"evidence"`
}

type ApproveRefund struct {
	Amount *model.Money `json:"amount,omitempty"`
}

func (a *ApproveRefund) ValidateApproveRefund() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Amount, validation.By(func(value interface{}) error {
			if a.Amount == nil {
				return nil
			}
			return positiveMoney(*a.Amount)
		})),
	)
}

type RejectRefund struct {
	Comment string `json:"comment"`
}

func (r *RejectRefund) ValidateRejectRefund() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Comment, validation.Length(0, 1000)),
	)
}

type UnfreezeDispute struct {
	Resolution errand.DisputeResolution `json:"resolution"`
}

func (u *UnfreezeDispute) ValidateUnfreezeDispute() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Resolution, validation.Required, validation.In(errand.DisputeWon, errand.DisputeLost)),
	)
}

type AdvanceCursor struct {
	MessageID int64 `json:"message_id"`
}

func (a *AdvanceCursor) ValidateAdvanceCursor() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.MessageID, validation.Required, validation.Min(int64(1))),
	)
}

type OpenChat struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

func (o *OpenChat) ValidateOpenChat() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.UserID, validation.Required),
	)
}

type Maintenance struct {
	DurationSeconds int `json:"duration_seconds"`
}

func (m *Maintenance) ValidateMaintenance() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.DurationSeconds, validation.Required, validation.Min(1), validation.Max(maxMaintenanceSeconds)),
	)
}

func positiveMoney(value interface{}) error {
	amount, ok := value.(model.Money)
	if !ok {
		return errors.New("invalid amount type")
	}
	if !amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	return nil
}
