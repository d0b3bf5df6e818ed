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
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://processor.test"

func newTestClient(t *testing.T) *Client {
	client := NewClient(testBaseURL, "sk_test", "GBP", 5*time.Second, nil)
	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "capture:7:10000", CaptureKey(7, 10000))
	assert.Equal(t, "refund:7:refund_1:4000", RefundKey(7, "refund_1", 4000))
	assert.Equal(t, "transfer:7:transfer_1", TransferKey(7, "transfer_1"))
	assert.Equal(t, "reversal:7:refund_1:transfer_1:3000", ReversalKey(7, "refund_1", "transfer_1", 3000))
}

func TestRefundChargeSendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("POST", testBaseURL+"/v1/refunds",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "refund:1:refund_1:10000", req.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer sk_test", req.Header.Get("Authorization"))
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "ch_1", req.PostForm.Get("charge"))
			assert.Equal(t, "10000", req.PostForm.Get("amount"))
			return httpmock.NewStringResponse(200, `{"id":"re_1","status":"succeeded"}`), nil
		})

	refund, err := client.RefundCharge(context.Background(), "ch_1", 10000, RefundKey(1, "refund_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.RefundID)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{name: "rate limited", status: 429, body: `{"error":{"type":"rate_limit_error","message":"slow down"}}`, kind: KindRetryable},
		{name: "server error", status: 503, body: `{}`, kind: KindRetryable},
		{name: "invalid account", status: 400, body: `{"error":{"type":"invalid_request_error","code":"account_invalid","message":"bad"}}`, kind: KindTerminal},
		{name: "idempotency reuse", status: 400, body: `{"error":{"type":"idempotency_error","message":"keys"}}`, kind: KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t)
			httpmock.RegisterResponder("POST", testBaseURL+"/v1/transfers", httpmock.NewStringResponder(tt.status, tt.body))

			_, err := client.TransferToAccount(context.Background(), "acct_1", 5000, "transfer:1:t1", nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder("POST", testBaseURL+"/v1/transfers", httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := client.TransferToAccount(context.Background(), "acct_1", 5000, "transfer:1:t1", map[string]string{"task_id": "1"})
	assert.Equal(t, KindRetryable, KindOf(err))
	assert.False(t, IsTerminal(err))
}

func TestCapturePaymentAlreadyCaptured(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder("POST", testBaseURL+"/v1/payment_intents/pi_1/capture",
		httpmock.NewStringResponder(400, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already captured"}}`))
	httpmock.RegisterResponder("GET", testBaseURL+"/v1/payment_intents/pi_1",
		httpmock.NewStringResponder(200, `{"id":"pi_1","status":"succeeded","amount_received":10000,"latest_charge":"ch_1"}`))

	capture, err := client.CapturePayment(context.Background(), "pi_1", 10000, CaptureKey(1, 10000))
	require.NoError(t, err)
	assert.Equal(t, "ch_1", capture.ChargeID)
	assert.Equal(t, int64(10000), capture.AmountCaptured)
}

func TestReverseTransferNotSupported(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder("POST", testBaseURL+"/v1/transfers/tr_1/reversals",
		httpmock.NewStringResponder(400, `{"error":{"type":"invalid_request_error","code":"transfer_reversal_not_supported","message":"settled"}}`))

	reversal, err := client.ReverseTransfer(context.Background(), "tr_1", 3000, "reversal:1:r:t:3000")
	assert.NoError(t, err)
	assert.Nil(t, reversal)
}

func TestAccountCanReceive(t *testing.T) {
	client := newTestClient(t)
	httpmock.RegisterResponder("GET", testBaseURL+"/v1/accounts/acct_1",
		httpmock.NewStringResponder(200, `{"id":"acct_1","details_submitted":true,"charges_enabled":false}`))

	status, err := client.AccountCanReceive(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.True(t, status.Submitted)
	assert.False(t, status.Ready())
}
