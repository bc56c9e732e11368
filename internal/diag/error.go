// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diag

import (
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
)

// ErrorCode represents a class of caller-facing errors.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	ErrorCodeConnect  // ConnectFailure
	ErrorCodePrepare  // PrepareFailure
	ErrorCodeBind     // BindFailure
	ErrorCodeExecute  // ExecuteFailure
	ErrorCodeClose    // CloseFailure
	ErrorCodeFetch    // FetchFailure
	ErrorCodeInternal // InternalFault

	// ErrorCodeInvalidState is returned when an operation is not valid
	// in the current state of the object, or the object is busy.
	ErrorCodeInvalidState // InvalidState
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConnect:
		return "ConnectFailure"
	case ErrorCodePrepare:
		return "PrepareFailure"
	case ErrorCodeBind:
		return "BindFailure"
	case ErrorCodeExecute:
		return "ExecuteFailure"
	case ErrorCodeClose:
		return "CloseFailure"
	case ErrorCodeFetch:
		return "FetchFailure"
	case ErrorCodeInternal:
		return "InternalFault"
	case ErrorCodeInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Tags of the error object delivered to completions.
const (
	TagDriver       = "[asyncodbc] SQL_ERROR"
	TagInternal     = "[asyncodbc] INTERNAL_FAULT"
	TagInvalidState = "[asyncodbc] INVALID_STATE"
)

// Record is a normalized diagnostic record.
type Record struct {
	State      string // 5-character SQLSTATE
	NativeCode int32
	Message    string
}

// Error implements error interface.
func (r Record) Error() string {
	return fmt.Sprintf("[%s] (%d) %s", r.State, r.NativeCode, r.Message)
}

// Error is the error delivered to completion continuations.
//
// It holds at least one Record; the first one is surfaced by Message and State.
type Error struct {
	// internal cause for faults, for debugging only; may be nil
	err error

	records []Record
	code    ErrorCode
}

// NewError creates a new error with the given code and diagnostic records.
//
// Code must not be 0, and at least one record must be given. Err may be nil.
func NewError(code ErrorCode, records []Record, err error) *Error {
	if code == 0 {
		panic("diag.NewError: code must not be 0")
	}

	if len(records) == 0 {
		panic("diag.NewError: no records")
	}

	return &Error{
		err:     err,
		records: slices.Clone(records),
		code:    code,
	}
}

// Internal returns an InternalFault error for a dispatch or allocation fault unrelated to the driver.
func Internal(err error) *Error {
	return NewError(ErrorCodeInternal, []Record{{State: "HY000", Message: err.Error()}}, err)
}

// InvalidState returns an error for an operation issued in a wrong object state.
func InvalidState(format string, a ...any) *Error {
	return NewError(ErrorCodeInvalidState, []Record{{State: "HY010", Message: fmt.Sprintf(format, a...)}}, nil)
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Tag returns the literal tag of the error object.
func (e *Error) Tag() string {
	switch e.code {
	case ErrorCodeInternal:
		return TagInternal
	case ErrorCodeInvalidState:
		return TagInvalidState
	default:
		return TagDriver
	}
}

// Message returns the message of the first diagnostic record.
func (e *Error) Message() string {
	return e.records[0].Message
}

// State returns the SQLSTATE of the first diagnostic record.
func (e *Error) State() string {
	return e.records[0].State
}

// Records returns all diagnostic records.
func (e *Error) Records() []Record {
	return slices.Clone(e.records)
}

// All returns all diagnostic records combined into a single error.
func (e *Error) All() error {
	var res *multierror.Error
	for _, r := range e.records {
		res = multierror.Append(res, r)
	}

	return res.ErrorOrNil()
}

// Error implements error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.records[0].Error())
}

// Unwrap returns the internal cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// ErrorCodeIs returns true if err is *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	e, ok := err.(*Error) //nolint:errorlint // do not inspect error chain
	if !ok {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// check interfaces
var (
	_ error = (*Error)(nil)
	_ error = Record{}
)
