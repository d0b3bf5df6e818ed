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

package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrConflictState      ErrorCode = "CONFLICT_STATE"
	ErrInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	ErrDuplicateRequest   ErrorCode = "DUPLICATE_REQUEST"
	ErrDisputeFrozen      ErrorCode = "DISPUTE_FROZEN"
	ErrTakerNotReady      ErrorCode = "TAKER_NOT_READY"
	ErrProcessorRetryable ErrorCode = "PROCESSOR_RETRYABLE"
	ErrProcessorTerminal  ErrorCode = "PROCESSOR_TERMINAL"
	ErrMaintenance        ErrorCode = "MAINTENANCE"
	ErrInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Operation specific reasons. They refine a code without changing how the
// HTTP layer treats the error.
const (
	ReasonAlreadyPaid             = "ALREADY_PAID"
	ReasonIntentAmountMismatch    = "INTENT_AMOUNT_MISMATCH"
	ReasonTaskNotPaid             = "TASK_NOT_PAID"
	ReasonAmountExceedsRefundable = "AMOUNT_EXCEEDS_REFUNDABLE"
	ReasonElevatedActorRequired   = "ELEVATED_ACTOR_REQUIRED"
	ReasonInvariantViolated       = "INVARIANT_VIOLATED"
	ReasonChatClosed              = "CHAT_CLOSED"
	ReasonTokenInvalid            = "TOKEN_INVALID"
	ReasonTokenExpired            = "TOKEN_EXPIRED"
)

type APIError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Reason     string        `json:"reason,omitempty"`
	Details    interface{}   `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

func (e APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewReasonError builds an error whose code is refined by an operation specific reason.
func NewReasonError(code ErrorCode, reason, message string) APIError {
	return APIError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}

// NewMaintenanceError reports a read-only window that is expected to end after retryAfter.
func NewMaintenanceError(retryAfter time.Duration) APIError {
	return APIError{
		Code:       ErrMaintenance,
		Message:    "service is in a read-only maintenance window",
		RetryAfter: retryAfter,
	}
}

// CodeOf returns the code carried by err, or ErrInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternal
}

// ReasonOf returns the reason carried by err, if any.
func ReasonOf(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrInvalidInput:
			return http.StatusBadRequest
		case ErrForbidden:
			return http.StatusForbidden
		case ErrConflictState, ErrDuplicateRequest:
			return http.StatusConflict
		case ErrInvalidAmount:
			return http.StatusUnprocessableEntity
		case ErrDisputeFrozen:
			return http.StatusLocked
		case ErrTakerNotReady:
			return http.StatusAccepted
		case ErrProcessorRetryable, ErrProcessorTerminal:
			return http.StatusBadGateway
		case ErrMaintenance:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
