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

// Package params encodes caller values into driver parameter buffers.
package params

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
)

// Parts of Prometheus metric names.
const (
	namespace = "asyncodbc"
	subsystem = "params"
)

// Kind is a logical parameter type.
type Kind int

// Parameter kinds.
const (
	KindNull Kind = iota
	KindChar
	KindInteger
	KindDouble
	KindBoolean
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindChar:
		return "char"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindBoolean:
		return "boolean"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Parameter is a single encoded input parameter.
//
// The address of Indicator is passed to the driver,
// so Parameter values must not be copied after binding.
type Parameter struct {
	buf []byte

	Kind          Kind
	CType         driver.CType
	SQLType       driver.SQLType
	ColumnSize    uint64
	DecimalDigits int16

	// Indicator holds the data length, or driver.NullData.
	Indicator int64

	released bool
}

// Buffer returns the encoded buffer. It is nil for NULL parameters and released parameters.
func (p *Parameter) Buffer() []byte {
	return p.buf
}

// Encoder encodes caller values into parameters and releases them.
//
// Every parameter returned by Encode must be passed to Release exactly once.
type Encoder struct {
	l *zap.Logger

	encoded  atomic.Int64
	released atomic.Int64
}

// NewEncoder creates a new Encoder.
func NewEncoder(l *zap.Logger) *Encoder {
	return &Encoder{
		l: l.Named("params"),
	}
}

// Encode converts values into parameters, in order.
//
// Supported values are strings, integers, floating point numbers, booleans, and nil
// (including named types with those underlying kinds).
// Pointers are dereferenced; a nil pointer is encoded as null.
// On error, already encoded parameters are released and a BindFailure is returned.
func (e *Encoder) Encode(values []any) ([]*Parameter, error) {
	res := make([]*Parameter, 0, len(values))

	for i, v := range values {
		p, err := encode(v)
		if err != nil {
			e.l.Debug("Failed to encode parameter.", zap.Int("index", i+1), zap.Error(err))
			e.Release(res)

			msg := fmt.Sprintf("parameter %d: %s", i+1, err)
			return nil, diag.NewError(diag.ErrorCodeBind, []diag.Record{{State: "07006", Message: msg}}, err)
		}

		e.encoded.Add(1)
		res = append(res, p)
	}

	return res, nil
}

// encode converts a single value.
func encode(v any) (*Parameter, error) {
	if v == nil {
		return &Parameter{
			Kind:       KindNull,
			CType:      driver.CDefault,
			SQLType:    driver.SQLVarchar,
			ColumnSize: 1,
			Indicator:  driver.NullData,
		}, nil
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return encode(nil)
		}

		return encode(rv.Elem().Interface())

	case reflect.String:
		s := rv.String()

		// NUL-terminated
		buf := make([]byte, len(s)+1)
		copy(buf, s)

		return &Parameter{
			buf:        buf,
			Kind:       KindChar,
			CType:      driver.CChar,
			SQLType:    driver.SQLVarchar,
			ColumnSize: uint64(max(len(s), 1)),
			Indicator:  int64(len(s)),
		}, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return integer(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows 64-bit signed integer", u)
		}

		return integer(int64(u)), nil

	case reflect.Float32, reflect.Float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(rv.Float()))

		return &Parameter{
			buf:        buf,
			Kind:       KindDouble,
			CType:      driver.CDouble,
			SQLType:    driver.SQLDouble,
			ColumnSize: 15,
			Indicator:  8,
		}, nil

	case reflect.Bool:
		buf := []byte{0}
		if rv.Bool() {
			buf[0] = 1
		}

		return &Parameter{
			buf:        buf,
			Kind:       KindBoolean,
			CType:      driver.CBit,
			SQLType:    driver.SQLBit,
			ColumnSize: 1,
			Indicator:  1,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// integer returns an encoded integer parameter.
func integer(i int64) *Parameter {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(i))

	return &Parameter{
		buf:        buf,
		Kind:       KindInteger,
		CType:      driver.CSBigInt,
		SQLType:    driver.SQLBigInt,
		ColumnSize: 19,
		Indicator:  8,
	}
}

// Release releases parameter buffers.
//
// It panics if any parameter was already released.
func (e *Encoder) Release(ps []*Parameter) {
	for _, p := range ps {
		if p.released {
			panic(fmt.Sprintf("params.Encoder.Release: %s parameter released twice", p.Kind))
		}

		// the driver must not read the buffer after execute; make misuse visible
		clear(p.buf)

		p.buf = nil
		p.released = true

		e.released.Add(1)
	}
}

// Live returns the number of encoded but not yet released parameters.
func (e *Encoder) Live() int64 {
	return e.encoded.Load() - e.released.Load()
}

// Describe implements prometheus.Collector.
func (e *Encoder) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(e, ch)
}

// Collect implements prometheus.Collector.
func (e *Encoder) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "encoded_total"),
			"The total number of encoded parameters.",
			nil, nil,
		),
		prometheus.CounterValue,
		float64(e.encoded.Load()),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "live"),
			"The current number of parameter buffers not yet released.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(e.Live()),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Encoder)(nil)
)
