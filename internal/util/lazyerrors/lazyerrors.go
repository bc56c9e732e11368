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

// Package lazyerrors provides error wrapping that records the call site.
//
// It is used for internal errors that are not shown to the caller as is;
// caller-facing errors are built by the diag package.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error annotated with the program counter of the call site.
type located struct {
	error
	pc uintptr
}

// location returns "file:line pkg.Func" for the recorded program counter.
func (e located) location() string {
	if e.pc == 0 {
		return ""
	}

	f, _ := runtime.CallersFrames([]uintptr{e.pc}).Next()
	if f.File == "" {
		return "unknown"
	}

	l := filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)

	if f.Function != "" {
		l += " " + f.Function[strings.LastIndex(f.Function, "/")+1:]
	}

	return l
}

// Error implements error interface.
func (e located) Error() string {
	loc := e.location()
	if loc == "" {
		return e.error.Error()
	}

	return "[" + loc + "] " + e.error.Error()
}

// Unwrap returns the wrapped error.
func (e located) Unwrap() error {
	return e.error
}

// callerPC returns the program counter of the caller of the exported function.
func callerPC() uintptr {
	var pcs [1]uintptr

	// skip runtime.Callers, callerPC, and the exported function
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}

	return pcs[0]
}

// New returns a new error with the given text, enriched with the call site.
func New(s string) error {
	return located{error: errors.New(s), pc: callerPC()}
}

// Error wraps err with the call site. It panics if err is nil.
func Error(err error) error {
	if err == nil {
		panic("err is nil")
	}

	return located{error: err, pc: callerPC()}
}

// Errorf returns a formatted error enriched with the call site.
func Errorf(format string, a ...any) error {
	return located{error: fmt.Errorf(format, a...), pc: callerPC()}
}
