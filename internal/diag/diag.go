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

// Package diag translates driver diagnostic records into caller-facing errors.
package diag

import (
	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/driver"
)

// DefaultMaxRecords is the default limit of diagnostic records retrieved per failure.
const DefaultMaxRecords = 64

// unspecified is returned when the driver has no diagnostic records for a failure.
var unspecified = Record{
	State:   "HY000",
	Message: "[asyncodbc] unspecified driver failure",
}

// Translator retrieves and normalizes diagnostic records.
//
// It should be called only after a driver call returned an error,
// on the same goroutine and before the handle is freed.
type Translator struct {
	drv        driver.Driver
	l          *zap.Logger
	maxRecords int16
}

// NewTranslator creates a new Translator.
//
// If maxRecords is 0 or negative, DefaultMaxRecords is used.
func NewTranslator(drv driver.Driver, maxRecords int16, l *zap.Logger) *Translator {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	return &Translator{
		drv:        drv,
		l:          l.Named("diag"),
		maxRecords: maxRecords,
	}
}

// Translate returns all diagnostic records for the given handle.
//
// It always returns at least one record.
func (t *Translator) Translate(ht driver.HandleType, h driver.Handle) []Record {
	var res []Record

	for i := int16(1); i <= t.maxRecords; i++ {
		rec, ret := t.drv.GetDiagRec(ht, h, i)
		if !ret.Succeeded() {
			break
		}

		res = append(res, Record{
			State:      rec.State,
			NativeCode: rec.NativeCode,
			Message:    rec.Message,
		})
	}

	if len(res) == 0 {
		t.l.Debug("No diagnostic records.", zap.Stringer("type", ht), zap.Uint64("handle", uint64(h)))
		return []Record{unspecified}
	}

	return res
}

// Error returns a caller-facing error with the given code and
// all diagnostic records for the given handle.
func (t *Translator) Error(code ErrorCode, ht driver.HandleType, h driver.Handle) *Error {
	return NewError(code, t.Translate(ht, h), nil)
}
