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
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/FerretDB/asyncodbc/internal/util/logging"
	"github.com/FerretDB/asyncodbc/internal/util/testutil"
)

// get performs a GET request and returns the status code and body.
func get(t *testing.T, h http.Handler, target string) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	return rec.Code, string(body)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "asyncodbc",
		Name:      "test_value",
		Help:      "Test value.",
	}, func() float64 { return 42 }))

	ring := logging.NewRing(8)
	core, _ := observer.New(zapcore.DebugLevel)
	l := zap.New(core, zap.Hooks(ring.Hook)).Named("test")
	l.Info("first")
	l.Warn("second")

	h, err := NewHandler(&NewHandlerOpts{
		L:   testutil.Logger(t),
		R:   reg,
		G:   reg,
		Log: ring,
	})
	require.NoError(t, err)

	code, body := get(t, h, "/debug/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "asyncodbc_test_value 42")

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(body))
	require.NoError(t, err)
	require.Contains(t, families, "asyncodbc_test_value")
	require.Len(t, families["asyncodbc_test_value"].GetMetric(), 1)
	assert.Equal(t, 42.0, families["asyncodbc_test_value"].GetMetric()[0].GetGauge().GetValue())

	code, body = get(t, h, "/debug/log")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "first")
	assert.Contains(t, body, "second")

	code, body = get(t, h, "/debug/log?level=warn")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "first")
	assert.Contains(t, body, "second")

	code, _ = get(t, h, "/debug/log?level=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, h, "/debug")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/debug/metrics")
	assert.Contains(t, body, "/debug/log")

	code, _ = get(t, h, "/")
	assert.Equal(t, http.StatusSeeOther, code)

	code, _ = get(t, h, "/debug/vars")
	assert.Equal(t, http.StatusOK, code)
}

func TestServe(t *testing.T) {
	t.Parallel()

	// create and close TCP socket, to obtain a free port
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	reg := prometheus.NewRegistry()

	h, err := NewHandler(&NewHandlerOpts{
		L: testutil.Logger(t),
		R: reg,
		G: reg,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(testutil.Ctx(t))
	done := make(chan error, 1)

	go func() {
		done <- h.Serve(ctx, addr)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/debug/metrics", nil)
	require.NoError(t, err)

	var res *http.Response

	require.Eventually(t, func() bool {
		res, err = http.DefaultClient.Do(req)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, res.Body.Close())

	cancel()
	assert.NoError(t, testutil.Wait(t, testutil.Ctx(t), done))
}
