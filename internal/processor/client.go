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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/errandhq/errand/config"
)

// Processor error codes that mean a reversal is not possible for the transfer.
var unsupportedReversalCodes = map[string]bool{
	"transfer_reversal_not_supported": true,
	"balance_insufficient":            true,
	"transfer_already_settled":        true,
}

// Client talks to a Stripe compatible REST API using form encoded requests.
type Client struct {
	baseURL    string
	secretKey  string
	currency   string
	httpClient *http.Client
}

// NewClient builds a client. A nil httpClient gets one with the given timeout.
func NewClient(baseURL, secretKey, currency string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		currency:   strings.ToLower(currency),
		httpClient: httpClient,
	}
}

func NewClientFromConfig(cnf *config.Configuration) *Client {
	return NewClient(cnf.Processor.BaseURL, cnf.Processor.SecretKey, cnf.Escrow.SettlementCurrency, config.Seconds(cnf.Processor.Timeout), nil)
}

// HTTPClient exposes the transport so tests can intercept it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type paymentIntent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AmountReceived int64  `json:"amount_received"`
	LatestCharge   string `json:"latest_charge"`
}

func (c *Client) CapturePayment(ctx context.Context, intentID string, amountMinor int64, idemKey string) (*Capture, error) {
	form := url.Values{}
	form.Set("amount_to_capture", strconv.FormatInt(amountMinor, 10))

	var intent paymentIntent
	err := c.do(ctx, "capture", http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/capture", form, idemKey, &intent)
	if err != nil {
		var perr *Error
		// Already captured: read back the intent instead of failing.
		if errors.As(err, &perr) && perr.Code == "payment_intent_unexpected_state" {
			if getErr := c.do(ctx, "capture", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &intent); getErr != nil {
				return nil, getErr
			}
			if intent.Status != "succeeded" {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	return &Capture{ChargeID: intent.LatestCharge, AmountCaptured: intent.AmountReceived}, nil
}

func (c *Client) RefundCharge(ctx context.Context, chargeID string, amountMinor int64, idemKey string) (*Refund, error) {
	form := url.Values{}
	form.Set("charge", chargeID)
	form.Set("amount", strconv.FormatInt(amountMinor, 10))

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, "refund", http.MethodPost, "/v1/refunds", form, idemKey, &refund); err != nil {
		return nil, err
	}
	if refund.Status == "failed" || refund.Status == "canceled" {
		return nil, NewError(KindTerminal, "refund", refund.Status, "refund was not accepted")
	}
	return &Refund{RefundID: refund.ID, Status: refund.Status}, nil
}

func (c *Client) TransferToAccount(ctx context.Context, accountID string, amountMinor int64, idemKey string, metadata map[string]string) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", c.currency)
	form.Set("destination", accountID)
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var transfer struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers", form, idemKey, &transfer); err != nil {
		return nil, err
	}
	return &Transfer{TransferID: transfer.ID}, nil
}

func (c *Client) ReverseTransfer(ctx context.Context, transferID string, amountMinor int64, idemKey string) (*Reversal, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))

	var reversal struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
	}
	err := c.do(ctx, "reverse_transfer", http.MethodPost, "/v1/transfers/"+url.PathEscape(transferID)+"/reversals", form, idemKey, &reversal)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && unsupportedReversalCodes[perr.Code] {
			logrus.WithFields(logrus.Fields{"transfer_id": transferID, "code": perr.Code}).Warn("transfer reversal not supported")
			return nil, nil
		}
		return nil, err
	}
	return &Reversal{ReversalID: reversal.ID, Amount: reversal.Amount}, nil
}

func (c *Client) AccountCanReceive(ctx context.Context, accountID string) (*AccountStatus, error) {
	var account struct {
		DetailsSubmitted bool `json:"details_submitted"`
		ChargesEnabled   bool `json:"charges_enabled"`
	}
	if err := c.do(ctx, "account", http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID), nil, "", &account); err != nil {
		return nil, err
	}
	return &AccountStatus{Submitted: account.DetailsSubmitted, ChargesEnabled: account.ChargesEnabled}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, idemKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "build %s request", op)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancelled or timed out calls may still have landed; the idempotency key reconciles them.
		return &Error{Kind: KindRetryable, Op: op, Message: "transport failure", Err: errors.Wrap(err, op)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindRetryable, Op: op, Message: "read response", Err: errors.Wrap(err, op)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(op, resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: KindRetryable, Op: op, Message: "decode response", Err: errors.Wrap(err, op)}
	}
	return nil
}

func classify(op string, status int, payload []byte) *Error {
	var body apiErrorBody
	_ = json.Unmarshal(payload, &body)

	perr := &Error{Op: op, Code: body.Error.Code, Message: body.Error.Message}
	if perr.Message == "" {
		perr.Message = http.StatusText(status)
	}

	switch {
	case body.Error.Type == "idempotency_error":
		perr.Kind = KindConflict
		logrus.WithFields(logrus.Fields{"op": op, "code": body.Error.Code}).Error("idempotency key reused with a different request")
	case status == http.StatusTooManyRequests, status == http.StatusConflict, status >= http.StatusInternalServerError:
		perr.Kind = KindRetryable
	default:
		perr.Kind = KindTerminal
	}
	return perr
}
