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

package params

import (
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/asyncodbc/internal/diag"
	"github.com/FerretDB/asyncodbc/internal/driver"
	"github.com/FerretDB/asyncodbc/internal/util/testutil"
)

type myInt int32

func TestEncode(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		value     any
		kind      Kind
		cType     driver.CType
		sqlType   driver.SQLType
		indicator int64
		bufLen    int
	}{
		"String": {
			value:     "hello",
			kind:      KindChar,
			cType:     driver.CChar,
			sqlType:   driver.SQLVarchar,
			indicator: 5,
			bufLen:    6,
		},
		"EmptyString": {
			value:     "",
			kind:      KindChar,
			cType:     driver.CChar,
			sqlType:   driver.SQLVarchar,
			indicator: 0,
			bufLen:    1,
		},
		"Int": {
			value:     42,
			kind:      KindInteger,
			cType:     driver.CSBigInt,
			sqlType:   driver.SQLBigInt,
			indicator: 8,
			bufLen:    8,
		},
		"NamedInt": {
			value:     myInt(-7),
			kind:      KindInteger,
			cType:     driver.CSBigInt,
			sqlType:   driver.SQLBigInt,
			indicator: 8,
			bufLen:    8,
		},
		"Float": {
			value:     3.5,
			kind:      KindDouble,
			cType:     driver.CDouble,
			sqlType:   driver.SQLDouble,
			indicator: 8,
			bufLen:    8,
		},
		"Bool": {
			value:     true,
			kind:      KindBoolean,
			cType:     driver.CBit,
			sqlType:   driver.SQLBit,
			indicator: 1,
			bufLen:    1,
		},
		"Null": {
			value:     nil,
			kind:      KindNull,
			cType:     driver.CDefault,
			sqlType:   driver.SQLVarchar,
			indicator: driver.NullData,
			bufLen:    0,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := NewEncoder(testutil.Logger(t))

			ps, err := e.Encode([]any{tc.value})
			require.NoError(t, err)
			require.Len(t, ps, 1)

			p := ps[0]
			assert.Equal(t, tc.kind, p.Kind)
			assert.Equal(t, tc.cType, p.CType)
			assert.Equal(t, tc.sqlType, p.SQLType)
			assert.Equal(t, tc.indicator, p.Indicator)
			assert.Len(t, p.Buffer(), tc.bufLen)

			v, err := driver.Decode(p.CType, p.Buffer(), p.Indicator)
			require.NoError(t, err)

			switch tc.kind {
			case KindInteger:
				assert.EqualValues(t, tc.value, v)
			default:
				assert.Equal(t, tc.value, v)
			}

			assert.EqualValues(t, 1, e.Live())
			e.Release(ps)
			assert.EqualValues(t, 0, e.Live())
			assert.Nil(t, p.Buffer())
		})
	}
}

func TestEncodeCountAndRelease(t *testing.T) {
	t.Parallel()

	e := NewEncoder(testutil.Logger(t))

	values := []any{"a", 1, int64(2), 3.0, float32(4), false, nil, uint8(5)}
	ps, err := e.Encode(values)
	require.NoError(t, err)
	require.Len(t, ps, len(values))
	assert.EqualValues(t, len(values), e.Live())

	e.Release(ps)
	assert.EqualValues(t, 0, e.Live())

	require.Panics(t, func() { e.Release(ps[:1]) })
	assert.EqualValues(t, 0, e.Live())
}

func TestEncodePointers(t *testing.T) {
	t.Parallel()

	e := NewEncoder(testutil.Logger(t))

	ps, err := e.Encode([]any{
		pointer.ToString("x"),
		pointer.ToInt64(-3),
		pointer.ToFloat64(0.25),
		pointer.ToBool(true),
		(*string)(nil),
	})
	require.NoError(t, err)
	require.Len(t, ps, 5)

	expected := []any{"x", int64(-3), 0.25, true, nil}
	for i, p := range ps {
		v, err := driver.Decode(p.CType, p.Buffer(), p.Indicator)
		require.NoError(t, err)
		assert.Equal(t, expected[i], v, "parameter %d", i+1)
	}

	assert.Equal(t, KindNull, ps[4].Kind)
	assert.Equal(t, driver.NullData, ps[4].Indicator)

	e.Release(ps)
	assert.EqualValues(t, 0, e.Live())
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	e := NewEncoder(testutil.Logger(t))

	ps, err := e.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, ps)

	e.Release(ps)
	assert.EqualValues(t, 0, e.Live())
}

func TestEncodeUnsupported(t *testing.T) {
	t.Parallel()

	e := NewEncoder(testutil.Logger(t))

	for name, v := range map[string]any{
		"Struct":   struct{}{},
		"Slice":    []int{1},
		"Overflow": uint64(1 << 63),
	} {
		ps, err := e.Encode([]any{"ok", 1, v})
		require.Error(t, err, name)
		assert.Nil(t, ps)
		assert.True(t, diag.ErrorCodeIs(err, diag.ErrorCodeBind), name)
		assert.Equal(t, "07006", err.(*diag.Error).State())
		assert.Contains(t, err.(*diag.Error).Message(), "parameter 3")

		// already encoded parameters are released
		assert.EqualValues(t, 0, e.Live(), name)
	}
}
