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

package logging

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap/zapcore"
)

// Ring stores the last log entries in memory.
type Ring struct {
	m     sync.Mutex
	log   []*zapcore.Entry
	index int
}

// NewRing creates a new Ring of the given size.
func NewRing(size int) *Ring {
	if size < 1 {
		panic(fmt.Sprintf("ring size must be at least 1, but %d provided", size))
	}

	return &Ring{
		log: make([]*zapcore.Entry, size),
	}
}

// append adds an entry, overwriting the oldest one if full.
func (r *Ring) append(entry *zapcore.Entry) {
	r.m.Lock()
	defer r.m.Unlock()

	r.log[r.index] = entry
	r.index = (r.index + 1) % len(r.log)
}

// Hook is a zap hook that stores entries in the ring.
func (r *Ring) Hook(entry zapcore.Entry) error {
	r.append(&entry)
	return nil
}

// Get returns stored entries with a level at or above the given one, from oldest to newest.
func (r *Ring) Get(level zapcore.Level) []*zapcore.Entry {
	r.m.Lock()
	defer r.m.Unlock()

	var res []*zapcore.Entry

	for i := range r.log {
		e := r.log[(i+r.index)%len(r.log)]
		if e != nil && e.Level >= level {
			res = append(res, e)
		}
	}

	return res
}

// WriteTo writes stored entries with a level at or above the given one, one per line.
func (r *Ring) WriteTo(w io.Writer, level zapcore.Level) error {
	for _, e := range r.Get(level) {
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Time.Format("2006-01-02T15:04:05.000Z0700"), e.Level.CapitalString(), e.LoggerName, e.Message)
		if err != nil {
			return err
		}
	}

	return nil
}
