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

package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedHandle struct {
	token *Token
}

type notTracked struct {
	token any
}

func TestTrackUntrack(t *testing.T) {
	h1 := &trackedHandle{token: NewToken()}
	h2 := &trackedHandle{token: NewToken()}

	before := Count(h1)

	Track(h1, h1.token)
	Track(h2, h2.token)
	assert.Equal(t, before+2, Count(h1))

	Untrack(h1, h1.token)
	assert.Equal(t, before+1, Count(h1))

	// second call is a no-op
	Untrack(h1, h1.token)
	assert.Equal(t, before+1, Count(h1))

	Untrack(h2, h2.token)
	assert.Equal(t, before, Count(h2))
}

func TestCheckArgs(t *testing.T) {
	t.Parallel()

	h := &trackedHandle{token: NewToken()}

	require.Panics(t, func() { Track(h, nil) })
	require.Panics(t, func() { Track(h, NewToken()) })
	require.Panics(t, func() { Track((*trackedHandle)(nil), NewToken()) })

	n := &notTracked{token: NewToken()}
	require.Panics(t, func() { Track(n, n.token.(*Token)) })
}
