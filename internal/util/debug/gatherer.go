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

package debug

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// gatherer wraps another Prometheus Gatherer with a cache.
type gatherer struct {
	g   prometheus.Gatherer
	l   *zap.Logger
	ttl time.Duration

	rw sync.RWMutex
	t  time.Time
	m  []*dto.MetricFamily
}

// newGatherer returns a new gatherer.
func newGatherer(g prometheus.Gatherer, ttl time.Duration, l *zap.Logger) *gatherer {
	return &gatherer{
		g:   g,
		l:   l,
		ttl: ttl,
	}
}

// Gather implements prometheus.Gatherer.
//
// Gathering errors are logged; metrics gathered before the error are still returned.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.rw.RLock()

	if time.Since(g.t) < g.ttl {
		m := g.m
		g.rw.RUnlock()

		return m, nil
	}

	g.rw.RUnlock()

	g.rw.Lock()
	defer g.rw.Unlock()

	// a concurrent call might have updated metrics already
	if time.Since(g.t) < g.ttl {
		return g.m, nil
	}

	m, err := g.g.Gather()
	if err != nil {
		g.l.Warn("Failed to gather metrics.", zap.Error(err), zap.Int("families", len(m)))
	}

	g.m, g.t = m, time.Now()

	return m, nil
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
