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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/FerretDB/asyncodbc/internal/diag"
	tu "github.com/FerretDB/asyncodbc/internal/util/testutil"
)

// counter is a Referent that counts references.
type counter struct {
	refs  atomic.Int32
	total atomic.Int32
}

func (c *counter) Ref() {
	c.refs.Add(1)
	c.total.Add(1)
}

func (c *counter) Unref() {
	if c.refs.Add(-1) < 0 {
		panic("negative reference count")
	}
}

// setup returns a running loop and dispatcher.
func setup(t *testing.T, workers int) (context.Context, *Dispatcher) {
	t.Helper()

	ctx := tu.Ctx(t)
	l := tu.Logger(t)

	loop := NewLoop(l)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		loop.Run(runCtx)
	}()

	d := New(&NewOpts{
		Loop:    loop,
		Workers: workers,
		L:       l,
	})

	t.Cleanup(func() {
		d.Close()
		cancel()
		<-stopped
	})

	return ctx, d
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 2)

	obj := new(counter)
	done := make(chan int, 2)

	Submit(d, ctx, "answer", obj, func() (int, error) {
		return 42, nil
	}, func(v int, err error) {
		assert.NoError(t, err)
		assert.Equal(t, int32(1), obj.refs.Load(), "object must be referenced during completion")
		done <- v
	})

	assert.Equal(t, 42, tu.Wait(t, ctx, done))

	// Step waits for the delivery in progress, including deferred Unref
	d.Close()
	d.Loop().Step()

	assert.Len(t, done, 0)
	assert.Equal(t, int32(1), obj.total.Load())
	assert.Equal(t, int32(0), obj.refs.Load())
	assert.Equal(t, int64(0), d.InFlight())
}

func TestSubmitError(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 1)

	expected := errors.New("boom")
	done := make(chan error, 1)

	Submit(d, ctx, "fail", nil, func() (string, error) {
		return "", expected
	}, func(v string, err error) {
		assert.Empty(t, v)
		done <- err
	})

	assert.Same(t, expected, tu.Wait(t, ctx, done))
}

func TestPanic(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 1)

	obj := new(counter)
	done := make(chan error, 1)

	Submit(d, ctx, "panic", obj, func() (*int, error) {
		panic("driver crashed")
	}, func(v *int, err error) {
		assert.Nil(t, v)
		done <- err
	})

	err := tu.Wait(t, ctx, done)
	require.Error(t, err)

	var e *diag.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, diag.ErrorCodeInternal, e.Code())
	assert.Equal(t, diag.TagInternal, e.Tag())
	assert.Contains(t, e.Message(), "driver crashed")

	// the single worker must survive
	ok := make(chan bool, 1)

	Submit(d, ctx, "after panic", obj, func() (bool, error) {
		return true, nil
	}, func(v bool, err error) {
		assert.NoError(t, err)
		ok <- v
	})

	assert.True(t, tu.Wait(t, ctx, ok))
	assert.Equal(t, int32(2), obj.total.Load())
}

func TestClosed(t *testing.T) {
	t.Parallel()

	ctx := tu.Ctx(t)
	l := tu.Logger(t)

	loop := NewLoop(l)
	d := New(&NewOpts{Loop: loop, L: l})
	d.Close()

	obj := new(counter)
	var called int

	Submit(d, ctx, "late", obj, func() (int, error) {
		called++
		return 1, nil
	}, func(_ int, err error) {
		assert.True(t, diag.ErrorCodeIs(err, diag.ErrorCodeInternal))
		called += 10
	})

	// rejected tasks are still completed on the loop, not inline
	assert.Equal(t, 0, called)
	assert.Equal(t, int32(1), obj.refs.Load())

	assert.Equal(t, 1, loop.Step())
	assert.Equal(t, 10, called)
	assert.Equal(t, int32(0), obj.refs.Load())
	assert.Equal(t, int64(0), d.InFlight())
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()

	ctx := tu.Ctx(t)
	l := tu.Logger(t)

	loop := NewLoop(l)
	d := New(&NewOpts{Loop: loop, Workers: 1, L: l})

	const n = 10

	var ran atomic.Int32
	var completed []int

	for i := range n {
		Submit(d, ctx, "queued", nil, func() (int, error) {
			ran.Add(1)
			return i, nil
		}, func(v int, err error) {
			require.NoError(t, err)
			completed = append(completed, v)
		})
	}

	d.Close()
	assert.Equal(t, int32(n), ran.Load())

	assert.Equal(t, n, loop.Step())

	// a single worker runs tasks in submission order
	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}

	assert.Equal(t, expected, completed)
}

func TestParallel(t *testing.T) {
	t.Parallel()

	const n = 4

	ctx, d := setup(t, n)

	var started sync.WaitGroup
	started.Add(n)

	gate := make(chan struct{})
	done := make(chan int, n)

	for i := range n {
		Submit(d, ctx, "blocked", new(counter), func() (int, error) {
			started.Done()
			<-gate
			return i, nil
		}, func(v int, err error) {
			assert.NoError(t, err)
			done <- v
		})
	}

	// all tasks are running at the same time on distinct workers
	started.Wait()
	assert.Equal(t, int64(n), d.InFlight())

	close(gate)

	seen := make(map[int]bool, n)
	for range n {
		seen[tu.Wait(t, ctx, done)] = true
	}

	assert.Len(t, seen, n)
}

func TestLoopSerial(t *testing.T) {
	t.Parallel()

	ctx, d := setup(t, 8)

	const n = 200

	var active, peak atomic.Int32
	done := make(chan struct{}, n)

	for range n {
		Submit(d, ctx, "serial", nil, func() (struct{}, error) {
			return struct{}{}, nil
		}, func(struct{}, error) {
			if v := active.Add(1); v > peak.Load() {
				peak.Store(v)
			}

			active.Add(-1)
			done <- struct{}{}
		})
	}

	for range n {
		tu.Wait(t, ctx, done)
	}

	assert.Equal(t, int32(1), peak.Load())
}

func TestLoopStep(t *testing.T) {
	t.Parallel()

	loop := NewLoop(tu.Logger(t))

	var order []int

	for i := range 3 {
		loop.Post(func() {
			order = append(order, i)

			// posted during delivery; delivered by the next Step
			if i == 0 {
				loop.Post(func() { order = append(order, 100) })
			}
		})
	}

	assert.Equal(t, 3, loop.Pending())
	assert.Equal(t, 3, loop.Step())
	assert.Equal(t, []int{0, 1, 2}, order)

	assert.Equal(t, 1, loop.Step())
	assert.Equal(t, []int{0, 1, 2, 100}, order)

	assert.Equal(t, 0, loop.Step())
}

func TestCollect(t *testing.T) {
	t.Parallel()

	_, d := setup(t, 1)

	// submitted, completed{ok}, completed{error}, faults, queued, in_flight, workers
	assert.Equal(t, 7, testutil.CollectAndCount(d))
}

func TestTracing(t *testing.T) {
	t.Parallel()

	ctx := tu.Ctx(t)
	l := tu.Logger(t)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	ctx, parent := tp.Tracer("test").Start(ctx, "parent")
	defer parent.End()

	loop := NewLoop(l)
	d := New(&NewOpts{
		Loop:           loop,
		Workers:        1,
		L:              l,
		TracerProvider: tp,
	})

	done := make(chan error, 2)
	cb := func(_ struct{}, err error) { done <- err }

	Submit(d, ctx, "ok", nil, func() (struct{}, error) { return struct{}{}, nil }, cb)
	Submit(d, ctx, "fail", nil, func() (struct{}, error) { return struct{}{}, errors.New("boom") }, cb)

	d.Close()
	require.Equal(t, 2, loop.Step())

	require.NoError(t, <-done)
	require.Error(t, <-done)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "ok", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)

	assert.Equal(t, "fail", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "boom", spans[1].Status.Description)

	for _, s := range spans {
		var found bool

		for _, a := range s.Attributes {
			if a.Key == attribute.Key("task.id") {
				found = a.Value.AsString() != ""
			}
		}

		assert.True(t, found, "task.id attribute of %s", s.Name)

		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent.SpanID(), "parent of %s", s.Name)
	}
}
