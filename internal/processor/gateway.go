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

package processor

import (
	"context"
	"fmt"
)

// Capture reports a captured payment intent.
type Capture struct {
	ChargeID       string `json:"charge_id"`
	AmountCaptured int64  `json:"amount_captured"`
}

type Refund struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type Transfer struct {
	TransferID string `json:"transfer_id"`
}

type Reversal struct {
	ReversalID string `json:"reversal_id"`
	Amount     int64  `json:"amount"`
}

type AccountStatus struct {
	Submitted      bool `json:"submitted"`
	ChargesEnabled bool `json:"charges_enabled"`
}

// Ready reports whether transfers to the account can be attempted.
func (a *AccountStatus) Ready() bool {
	return a != nil && a.Submitted && a.ChargesEnabled
}

// Gateway is the capability surface of the external payment processor. Every
// mutating call carries an idempotency key so repeats never double-charge.
type Gateway interface {
	CapturePayment(ctx context.Context, intentID string, amountMinor int64, idemKey string) (*Capture, error)
	RefundCharge(ctx context.Context, chargeID string, amountMinor int64, idemKey string) (*Refund, error)
	TransferToAccount(ctx context.Context, accountID string, amountMinor int64, idemKey string, metadata map[string]string) (*Transfer, error)
	// ReverseTransfer returns nil, nil when the processor cannot reverse the transfer.
	ReverseTransfer(ctx context.Context, transferID string, amountMinor int64, idemKey string) (*Reversal, error)
	AccountCanReceive(ctx context.Context, accountID string) (*AccountStatus, error)
}

func CaptureKey(taskID int64, amountMinor int64) string {
	return fmt.Sprintf("capture:%d:%d", taskID, amountMinor)
}

func RefundKey(taskID int64, refundID string, amountMinor int64) string {
	return fmt.Sprintf("refund:%d:%s:%d", taskID, refundID, amountMinor)
}

func TransferKey(taskID int64, transferID string) string {
	return fmt.Sprintf("transfer:%d:%s", taskID, transferID)
}

func ReversalKey(taskID int64, refundID, transferID string, amountMinor int64) string {
	return fmt.Sprintf("reversal:%d:%s:%s:%d", taskID, refundID, transferID, amountMinor)
}
