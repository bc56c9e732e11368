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

// Package driver describes the synchronous, blocking driver manager API
// consumed by the rest of the module.
//
// The API follows the shape of the ODBC call level interface:
// handles are opaque tokens, every call returns a Return code,
// and details of failures are retrieved separately as diagnostic records.
// Implementations must be safe for concurrent use on distinct statement handles;
// callers serialize allocate, free, connect and disconnect calls themselves.
package driver

import "fmt"

// Handle is an opaque resource token returned by the driver.
// The zero value is the null handle.
type Handle uintptr

// NullHandle is the null handle.
const NullHandle Handle = 0

// HandleType identifies the level of a handle in the environment/connection/statement hierarchy.
type HandleType int16

// Handle types.
const (
	HandleEnv  HandleType = 1
	HandleDBC  HandleType = 2
	HandleStmt HandleType = 3
)

// String implements fmt.Stringer.
func (t HandleType) String() string {
	switch t {
	case HandleEnv:
		return "ENV"
	case HandleDBC:
		return "DBC"
	case HandleStmt:
		return "STMT"
	default:
		return fmt.Sprintf("HandleType(%d)", int16(t))
	}
}

// Return is a driver call result code.
type Return int16

// Return codes.
const (
	Success         Return = 0
	SuccessWithInfo Return = 1
	NoData          Return = 100
	Error           Return = -1
	InvalidHandle   Return = -2
)

// Succeeded returns true for Success and SuccessWithInfo.
func (r Return) Succeeded() bool {
	return r == Success || r == SuccessWithInfo
}

// String implements fmt.Stringer.
func (r Return) String() string {
	switch r {
	case Success:
		return "SQL_SUCCESS"
	case SuccessWithInfo:
		return "SQL_SUCCESS_WITH_INFO"
	case NoData:
		return "SQL_NO_DATA"
	case Error:
		return "SQL_ERROR"
	case InvalidHandle:
		return "SQL_INVALID_HANDLE"
	default:
		return fmt.Sprintf("Return(%d)", int16(r))
	}
}

// CType is the native type code of an application-side parameter buffer.
type CType int16

// Native buffer types.
const (
	CChar    CType = 1
	CDouble  CType = 8
	CBit     CType = -7
	CSBigInt CType = -25
	CDefault CType = 99
)

// String implements fmt.Stringer.
func (t CType) String() string {
	switch t {
	case CChar:
		return "SQL_C_CHAR"
	case CDouble:
		return "SQL_C_DOUBLE"
	case CBit:
		return "SQL_C_BIT"
	case CSBigInt:
		return "SQL_C_SBIGINT"
	case CDefault:
		return "SQL_C_DEFAULT"
	default:
		return fmt.Sprintf("CType(%d)", int16(t))
	}
}

// SQLType is the SQL data type of a parameter.
type SQLType int16

// SQL data types.
const (
	SQLVarchar SQLType = 12
	SQLDouble  SQLType = 8
	SQLBit     SQLType = -7
	SQLBigInt  SQLType = -5
)

// ParamDirection is a parameter input/output type.
type ParamDirection int16

// ParamInput is the only direction used by this module.
const ParamInput ParamDirection = 1

// NullData is the indicator value for a NULL parameter.
const NullData int64 = -1

// ConnectOption identifies a connection option.
type ConnectOption uint16

// Connection options.
const (
	LoginTimeout ConnectOption = 103
)

// Function identifies a driver function for capability probing.
type Function uint16

// Functions.
const (
	FuncMoreResults Function = 61
)

// EnvAttr identifies an environment attribute.
type EnvAttr int32

// Environment attributes.
const (
	AttrODBCVersion EnvAttr = 200
)

// ODBCVersion3 is the value of AttrODBCVersion requesting ODBC 3 behavior.
const ODBCVersion3 = 3

// DiagRecord is a single diagnostic record as reported by the driver.
type DiagRecord struct {
	State      string // 5-character SQLSTATE
	NativeCode int32
	Message    string
}

// Driver is the driver manager API.
//
// All methods are synchronous and may block.
type Driver interface {
	// AllocHandle allocates a handle of the given type with the given parent
	// (NullHandle for environments).
	AllocHandle(t HandleType, parent Handle) (Handle, Return)

	// FreeHandle frees a handle.
	FreeHandle(t HandleType, h Handle) Return

	// SetEnvAttr sets an environment attribute.
	SetEnvAttr(env Handle, attr EnvAttr, value int) Return

	// SetConnectOption sets a connection option before connecting.
	SetConnectOption(dbc Handle, opt ConnectOption, value uint64) Return

	// DriverConnect connects using a connection string without prompting.
	DriverConnect(dbc Handle, connStr string) Return

	// Disconnect closes the connection; the handle stays allocated.
	Disconnect(dbc Handle) Return

	// GetFunctions reports whether the connected driver supports the given function.
	GetFunctions(dbc Handle, fn Function) (bool, Return)

	// Prepare prepares SQL text on a statement handle.
	Prepare(stmt Handle, sql string) Return

	// BindParameter binds an application buffer to the 1-based parameter index.
	//
	// Both buf and ind must stay valid until the statement is executed.
	BindParameter(
		stmt Handle, index uint16, dir ParamDirection,
		cType CType, sqlType SQLType, columnSize uint64, decimalDigits int16,
		buf []byte, ind *int64,
	) Return

	// ResetParams unbinds all parameters of the statement.
	// After it returns, the driver no longer references previously bound buffers.
	ResetParams(stmt Handle) Return

	// Execute executes a prepared statement.
	Execute(stmt Handle) Return

	// ExecDirect executes SQL text without a separate prepare step.
	ExecDirect(stmt Handle, sql string) Return

	// Columns returns result set column names for an executed statement.
	Columns(stmt Handle) ([]string, Return)

	// Fetch returns the next row of the current result set, or NoData.
	Fetch(stmt Handle) ([]any, Return)

	// MoreResults advances to the next result set, or returns NoData.
	MoreResults(stmt Handle) Return

	// GetDiagRec returns the 1-based diagnostic record for the given handle, or NoData.
	GetDiagRec(t HandleType, h Handle, rec int16) (DiagRecord, Return)
}
