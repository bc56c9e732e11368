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

package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturn(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		r         Return
		succeeded bool
		s         string
	}{
		{r: Success, succeeded: true, s: "SQL_SUCCESS"},
		{r: SuccessWithInfo, succeeded: true, s: "SQL_SUCCESS_WITH_INFO"},
		{r: NoData, succeeded: false, s: "SQL_NO_DATA"},
		{r: Error, succeeded: false, s: "SQL_ERROR"},
		{r: InvalidHandle, succeeded: false, s: "SQL_INVALID_HANDLE"},
		{r: Return(2), succeeded: false, s: "Return(2)"},
	} {
		assert.Equal(t, tc.succeeded, tc.r.Succeeded(), "%d", tc.r)
		assert.Equal(t, tc.s, tc.r.String())
	}
}

func TestStringers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DBC", HandleDBC.String())
	assert.Equal(t, "HandleType(9)", HandleType(9).String())
	assert.Equal(t, "SQL_C_SBIGINT", CSBigInt.String())
	assert.Equal(t, "CType(42)", CType(42).String())
}
