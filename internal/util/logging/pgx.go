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
	"context"
	"slices"

	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/maps"
)

// pgxLogLevels maps pgx log levels to zap levels.
var pgxLogLevels = map[tracelog.LogLevel]zapcore.Level{
	// pgx's info level is used for queries, but we want to hide them by default
	tracelog.LogLevelTrace: zapcore.DebugLevel,
	tracelog.LogLevelDebug: zapcore.DebugLevel,
	tracelog.LogLevelInfo:  zapcore.DebugLevel,

	tracelog.LogLevelWarn:  zapcore.WarnLevel,
	tracelog.LogLevelError: zapcore.ErrorLevel,
}

// pgxLogger is a pgx's [tracelog.Logger] implementation that uses zap.
type pgxLogger struct {
	l *zap.Logger
}

// NewPgxLogger creates a new [tracelog.Logger] that uses given logger.
func NewPgxLogger(l *zap.Logger) tracelog.Logger {
	return &pgxLogger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

// Log implements [tracelog.Logger].
func (pl *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	l, ok := pgxLogLevels[level]
	if !ok {
		pl.l.DPanic("Invalid pgx log level for: "+msg, zap.Int("level", int(level)))
		l = zapcore.ErrorLevel
	}

	ce := pl.l.Check(l, msg)
	if ce == nil {
		return
	}

	keys := maps.Keys(data)
	slices.Sort(keys)

	fields := make([]zap.Field, len(keys))
	for i, k := range keys {
		fields[i] = zap.Any(k, data[k])
	}

	ce.Write(fields...)
}

// check interfaces
var (
	_ tracelog.Logger = (*pgxLogger)(nil)
)
