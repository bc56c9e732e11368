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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"slices"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/asyncodbc/internal/util/logging"
)

// NewHandlerOpts represents handler construction options.
type NewHandlerOpts struct {
	L *zap.Logger
	R prometheus.Registerer // for handler metrics
	G prometheus.Gatherer   // for /debug/metrics
	// Log is served on /debug/log; if nil, logging.RecentEntries is used.
	Log *logging.Ring
}

// Handler serves debug endpoints.
type Handler struct {
	l     *zap.Logger
	mux   *http.ServeMux
	paths map[string]string
}

// NewHandler creates a new debug handler.
func NewHandler(opts *NewHandlerOpts) (*Handler, error) {
	l := opts.L.Named("debug")

	stdL, err := zap.NewStdLogAt(l, zap.WarnLevel)
	if err != nil {
		return nil, err
	}

	ring := opts.Log
	if ring == nil {
		ring = logging.RecentEntries
	}

	h := &Handler{
		l:   l,
		mux: http.NewServeMux(),
		paths: map[string]string{
			"/debug/metrics": "Metrics in Prometheus format",
			"/debug/log":     "Recent log entries; ?level=warn to filter",
			"/debug/vars":    "Expvar package metrics",
			"/debug/pprof/":  "Runtime profiling data for pprof",
		},
	}

	h.mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(newGatherer(opts.G, time.Second, l), promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	h.mux.HandleFunc("/debug/log", func(rw http.ResponseWriter, req *http.Request) {
		level := zapcore.DebugLevel

		if s := req.URL.Query().Get("level"); s != "" {
			var err error
			if level, err = zapcore.ParseLevel(s); err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
		}

		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if err := ring.WriteTo(rw, level); err != nil {
			l.Warn("Failed to write log entries.", zap.Error(err))
		}
	})

	h.mux.Handle("/debug/vars", expvar.Handler())

	h.mux.HandleFunc("/debug/pprof/", pprof.Index)
	h.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	h.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	h.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	h.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var page bytes.Buffer
	err = template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, h.paths)
	if err != nil {
		return nil, err
	}

	h.mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	h.mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(rw, req)
}

// Serve runs the debug server on addr until ctx is canceled.
func (h *Handler) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	stdL, err := zap.NewStdLogAt(h.l, zap.WarnLevel)
	if err != nil {
		_ = lis.Close()
		return err
	}

	s := http.Server{
		Handler:  h,
		ErrorLog: stdL,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := fmt.Sprintf("http://%s", lis.Addr())

	h.l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.paths)
	slices.Sort(paths)

	for _, path := range paths {
		h.l.Sugar().Infof("%s%s - %s", root, path, h.paths[path])
	}

	done := make(chan error, 1)

	go func() {
		done <- s.Serve(lis)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer stopCancel()

		_ = s.Shutdown(stopCtx)
		err = <-done
	}

	h.l.Info("Debug server stopped.")

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// check interfaces
var (
	_ http.Handler = (*Handler)(nil)
)
