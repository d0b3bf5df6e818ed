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
package mocks

import (
	"context"

	"github.com/errandhq/errand/internal/processor"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of processor.Gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CapturePayment(ctx context.Context, intentID string, amountMinor int64, idemKey string) (*processor.Capture, error) {
	args := m.Called(ctx, intentID, amountMinor, idemKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Capture), args.Error(1)
}

func (m *MockGateway) RefundCharge(ctx context.Context, chargeID string, amountMinor int64, idemKey string) (*processor.Refund, error) {
	args := m.Called(ctx, chargeID, amountMinor, idemKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Refund), args.Error(1)
}

func (m *MockGateway) TransferToAccount(ctx context.Context, accountID string, amountMinor int64, idemKey string, metadata map[string]string) (*processor.Transfer, error) {
	args := m.Called(ctx, accountID, amountMinor, idemKey, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Transfer), args.Error(1)
}

func (m *MockGateway) ReverseTransfer(ctx context.Context, transferID string, amountMinor int64, idemKey string) (*processor.Reversal, error) {
	args := m.Called(ctx, transferID, amountMinor, idemKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.Reversal), args.Error(1)
}

func (m *MockGateway) AccountCanReceive(ctx context.Context, accountID string) (*processor.AccountStatus, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.AccountStatus), args.Error(1)
}
