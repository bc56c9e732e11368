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

package sqldriver

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	_ "github.com/SAP/go-hdb/driver" // register database/sql driver
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/FerretDB/asyncodbc/internal/util/logging"
)

// backend describes a database/sql driver selected by the "Driver" attribute.
type backend struct {
	// dsn builds a data source name from connection string attributes
	dsn func(attrs map[string]string) (string, error)

	// open opens a database handle for the data source name
	open func(dsn string, l *zap.Logger) (*sql.DB, error)

	// rewrite, if not nil, converts "?" placeholders to the driver's syntax
	rewrite func(query string) string

	// moreResults is true if the driver can return multiple result sets
	moreResults bool
}

// backends maps lower-case driver names to backends.
var backends = map[string]*backend{
	"sqlite": {
		dsn: func(attrs map[string]string) (string, error) {
			if db := attrs["database"]; db != "" {
				return db, nil
			}

			return "", fmt.Errorf("missing %q attribute", "Database")
		},
		open: openWith("sqlite"),
	},

	"postgresql": {
		dsn: func(attrs map[string]string) (string, error) {
			if u := attrs["url"]; u != "" {
				return u, nil
			}

			if attrs["server"] == "" {
				return "", fmt.Errorf("missing %q or %q attribute", "URL", "Server")
			}

			var parts []string

			for _, kv := range [][2]string{
				{"host", attrs["server"]},
				{"port", attrs["port"]},
				{"dbname", attrs["database"]},
				{"user", attrs["uid"]},
				{"password", attrs["pwd"]},
			} {
				if kv[1] != "" {
					parts = append(parts, kv[0]+"="+quoteKeyword(kv[1]))
				}
			}

			return strings.Join(parts, " "), nil
		},
		open: func(dsn string, l *zap.Logger) (*sql.DB, error) {
			config, err := pgx.ParseConfig(dsn)
			if err != nil {
				return nil, err
			}

			config.Tracer = &tracelog.TraceLog{
				Logger:   logging.NewPgxLogger(l.Named("pgx")),
				LogLevel: tracelog.LogLevelTrace,
			}

			return stdlib.OpenDB(*config), nil
		},
		rewrite: numberPlaceholders,
	},

	"mysql": {
		dsn: func(attrs map[string]string) (string, error) {
			if dsn := attrs["dsn"]; dsn != "" {
				return dsn, nil
			}

			if attrs["server"] == "" {
				return "", fmt.Errorf("missing %q or %q attribute", "DSN", "Server")
			}

			port := attrs["port"]
			if port == "" {
				port = "3306"
			}

			config := mysql.NewConfig()
			config.User = attrs["uid"]
			config.Passwd = attrs["pwd"]
			config.Net = "tcp"
			config.Addr = net.JoinHostPort(attrs["server"], port)
			config.DBName = attrs["database"]
			config.MultiStatements = true

			return config.FormatDSN(), nil
		},
		open:        openWith("mysql"),
		moreResults: true,
	},

	"hana": {
		dsn: func(attrs map[string]string) (string, error) {
			if u := attrs["url"]; u != "" {
				return u, nil
			}

			if attrs["server"] == "" {
				return "", fmt.Errorf("missing %q or %q attribute", "URL", "Server")
			}

			port := attrs["port"]
			if port == "" {
				port = "39017"
			}

			u := &url.URL{
				Scheme: "hdb",
				User:   url.UserPassword(attrs["uid"], attrs["pwd"]),
				Host:   net.JoinHostPort(attrs["server"], port),
			}

			if db := attrs["database"]; db != "" {
				u.RawQuery = url.Values{"databaseName": []string{db}}.Encode()
			}

			return u.String(), nil
		},
		open: openWith("hdb"),
	},
}

// Drivers returns sorted names of supported drivers.
func Drivers() []string {
	names := maps.Keys(backends)
	slices.Sort(names)

	return names
}

// openWith returns a function that opens a database with the given registered driver.
func openWith(name string) func(string, *zap.Logger) (*sql.DB, error) {
	return func(dsn string, _ *zap.Logger) (*sql.DB, error) {
		return sql.Open(name, dsn)
	}
}

// quoteKeyword quotes a value for a PostgreSQL keyword/value connection string.
func quoteKeyword(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}

	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// numberPlaceholders replaces "?" placeholders outside of quotes with "$1", "$2", etc.
func numberPlaceholders(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))

	var quote rune
	var n int

	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			sb.WriteString("$" + strconv.Itoa(n))

			continue
		}

		sb.WriteRune(r)
	}

	return sb.String()
}
