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

// Command odbcq runs SQL statements through the asynchronous client core.
//
// Example:
//
//	odbcq 'Driver=sqlite;Database=file:test.db' 'SELECT * FROM t WHERE id = ?' --param 42
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/asyncodbc/build/version"
	"github.com/FerretDB/asyncodbc/internal/driver/sqldriver"
	"github.com/FerretDB/asyncodbc/internal/odbc"
	"github.com/FerretDB/asyncodbc/internal/util/debug"
	"github.com/FerretDB/asyncodbc/internal/util/debugbuild"
	"github.com/FerretDB/asyncodbc/internal/util/logging"
	"github.com/FerretDB/asyncodbc/internal/util/observability"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version bool `default:"false" help:"Print version to stdout and exit." env:"-"`

	ConnString string   `arg:"" optional:"" help:"${help_conn_string}"`
	SQL        []string `arg:"" optional:"" help:"SQL statements to run in order."`

	Param        []string      `short:"p"      help:"Parameter for the last statement; repeat for more. 'NULL' is null, quote with '' to keep a string."`
	Workers      int           `default:"4"    help:"Number of worker goroutines."`
	LoginTimeout time.Duration `default:"5s"   help:"Login timeout."`
	JSON         bool          `default:"false" help:"Print rows as JSON objects, one per line."`
	DebugAddr    string        `default:"-"    help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	OTLPEndpoint string        `default:""     help:"OTLP/HTTP endpoint (host:port) for traces." name:"otlp-endpoint"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	logFormats = []string{"console", "json"}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logFormats, ","),

			"help_conn_string": fmt.Sprintf(
				"Connection string; supported drivers: '%s'.", strings.Join(sqldriver.Drivers(), "', '"),
			),
			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logFormats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("ODBCQ"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	if cli.Version {
		info := version.Get()

		fmt.Fprintln(os.Stdout, "version:", info.Version)
		fmt.Fprintln(os.Stdout, "commit:", info.Commit)
		fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
		fmt.Fprintln(os.Stdout, "debugBuild:", info.DebugBuild)

		return
	}

	if cli.ConnString == "" || len(cli.SQL) == 0 {
		kctx.Fatalf("connection string and at least one SQL statement are required")
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if debugbuild.Enabled {
		return zap.DebugLevel
	}

	return zap.WarnLevel
}

// setupLogger setups zap logger.
func setupLogger() *zap.Logger {
	info := version.Get()

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l, err := logging.Setup(level, cli.Log.Format)
	if err != nil {
		log.Fatal(err)
	}

	l.Info(
		"Starting odbcq "+info.Version+"...",
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	)

	if debugbuild.Enabled {
		l.Info("This is debug build. The performance will be affected.")
	}

	return l
}

// run sets up environment based on provided flags and runs statements.
func run() (err error) {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	logger := setupLogger()

	if _, err = maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOtel(&observability.SetupOtelOpts{
		L:        logger,
		Service:  "odbcq",
		Version:  version.Get().Version,
		Endpoint: cli.OTLPEndpoint,
	})
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if e := shutdown(shutdownCtx); e != nil {
			logger.Warn("Failed to shut down tracing.", zap.Error(e))
		}
	}()

	env, err := odbc.NewEnv(&odbc.NewEnvOpts{
		Driver:       sqldriver.New(logger),
		L:            logger,
		Workers:      cli.Workers,
		LoginTimeout: cli.LoginTimeout,
	})
	if err != nil {
		return err
	}

	defer func() {
		if e := env.Close(); e != nil {
			logger.Error("Failed to close environment.", zap.Error(e))
		}
	}()

	prometheus.DefaultRegisterer.MustRegister(env)

	debugCtx, debugCancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	defer func() {
		debugCancel()
		wg.Wait()
	}()

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, e := debug.NewHandler(&debug.NewHandlerOpts{
			L: logger,
			R: prometheus.DefaultRegisterer,
			G: prometheus.DefaultGatherer,
		})
		if e != nil {
			return e
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			if e := h.Serve(debugCtx, cli.DebugAddr); e != nil {
				logger.Error("Debug server failed.", zap.Error(e))
			}
		}()
	}

	args := make([]any, len(cli.Param))
	for i, p := range cli.Param {
		args[i] = parseParam(p)
	}

	return query(ctx, env, &queryOpts{
		ConnString:   cli.ConnString,
		Statements:   cli.SQL,
		Args:         args,
		LoginTimeout: cli.LoginTimeout,
		JSON:         cli.JSON,
	}, os.Stdout)
}
