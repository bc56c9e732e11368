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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

// DefaultTimeout is the maximum duration of a test context.
const DefaultTimeout = 30 * time.Second

// Ctx returns test context.
// It is canceled when test is finished or after DefaultTimeout.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	tb.Cleanup(cancel)

	ctx, span := otel.Tracer("").Start(ctx, tb.Name())
	tb.Cleanup(func() {
		span.End()
	})

	return ctx
}

// Wait waits for a value from ch, failing the test if ctx is done first.
func Wait[T any](tb testing.TB, ctx context.Context, ch <-chan T) T {
	tb.Helper()

	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		tb.Fatalf("%s: timed out waiting for completion: %s", tb.Name(), ctx.Err())
		panic("not reached")
	}
}
