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
	"sync"

	"go.uber.org/zap"
)

// Loop is the caller's execution context.
//
// Completions are posted to it from worker goroutines
// and delivered one at a time, in posting order, by Run or Step.
// No two completions are ever delivered concurrently.
type Loop struct {
	l *zap.Logger

	// held while delivering
	exec sync.Mutex

	m      sync.Mutex
	queue  []func()
	notify chan struct{}
}

// NewLoop creates a new Loop.
func NewLoop(l *zap.Logger) *Loop {
	return &Loop{
		l:      l.Named("loop"),
		notify: make(chan struct{}, 1),
	}
}

// Post schedules f to be called on the loop. It never blocks.
func (lp *Loop) Post(f func()) {
	lp.m.Lock()
	lp.queue = append(lp.queue, f)
	lp.m.Unlock()

	select {
	case lp.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of posted but not yet delivered functions.
func (lp *Loop) Pending() int {
	lp.m.Lock()
	defer lp.m.Unlock()

	return len(lp.queue)
}

// Step delivers all functions posted so far and returns their number.
//
// Hosts that drive their own event loop call Step from it;
// others use Run. Step must not be called from a delivered function.
func (lp *Loop) Step() int {
	lp.exec.Lock()
	defer lp.exec.Unlock()

	lp.m.Lock()
	q := lp.queue
	lp.queue = nil
	lp.m.Unlock()

	for _, f := range q {
		f()
	}

	return len(q)
}

// Run delivers posted functions until ctx is canceled.
//
// Functions posted but not delivered before cancellation stay queued.
func (lp *Loop) Run(ctx context.Context) {
	lp.l.Debug("Loop started.")
	defer lp.l.Debug("Loop stopped.")

	for {
		lp.Step()

		select {
		case <-ctx.Done():
			return
		case <-lp.notify:
		}
	}
}
