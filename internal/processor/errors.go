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
	"errors"
	"fmt"
)

// ErrorKind classifies a processor failure for the callers' retry policy.
type ErrorKind string

const (
	KindRetryable ErrorKind = "RETRYABLE"
	KindTerminal  ErrorKind = "TERMINAL"
	KindConflict  ErrorKind = "CONFLICT"
)

// Error is a classified processor failure. Code and Message are the processor's
// own diagnostics and must not leave the engine.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s %s: %s (%s)", e.Op, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("processor %s %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// KindOf classifies any error returned by a Gateway. Anything the adapter did
// not classify (timeouts, transport failures) is retryable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindRetryable
}

// IsTerminal reports whether the failure must not be retried. CONFLICT counts as terminal.
func IsTerminal(err error) bool {
	kind := KindOf(err)
	return kind == KindTerminal || kind == KindConflict
}
