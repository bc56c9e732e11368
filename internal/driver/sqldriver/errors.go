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
	"context"
	sqldrv "database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/FerretDB/asyncodbc/internal/driver"
)

// hdbError is implemented by SAP HANA driver errors.
type hdbError interface {
	error
	Code() int
	Text() string
}

// sqliteStates maps primary SQLite result codes to SQLSTATEs.
var sqliteStates = map[int]string{
	sqlitelib.SQLITE_ERROR:      "42000",
	sqlitelib.SQLITE_BUSY:       "HYT00",
	sqlitelib.SQLITE_LOCKED:     "HYT00",
	sqlitelib.SQLITE_READONLY:   "25000",
	sqlitelib.SQLITE_CANTOPEN:   "08001",
	sqlitelib.SQLITE_CONSTRAINT: "23000",
	sqlitelib.SQLITE_MISMATCH:   "22018",
	sqlitelib.SQLITE_RANGE:      "07009",
}

// diagRecord converts a database/sql driver error to a diagnostic record.
//
// State is used when the error does not carry a SQLSTATE.
func diagRecord(err error, state string) driver.DiagRecord {
	if errors.Is(err, context.DeadlineExceeded) {
		return driver.DiagRecord{State: "HYT00", Message: "timeout expired: " + err.Error()}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return driver.DiagRecord{State: pgErr.Code, Message: pgErr.Message}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		rec := driver.DiagRecord{State: state, NativeCode: int32(myErr.Number), Message: myErr.Message}
		if myErr.SQLState != [5]byte{} {
			rec.State = string(myErr.SQLState[:])
		}

		return rec
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()

		rec := driver.DiagRecord{State: state, NativeCode: int32(code), Message: liteErr.Error()}
		if s, ok := sqliteStates[code&0xff]; ok {
			rec.State = s
		}

		return rec
	}

	var hdbErr hdbError
	if errors.As(err, &hdbErr) {
		return driver.DiagRecord{State: state, NativeCode: int32(hdbErr.Code()), Message: hdbErr.Text()}
	}

	return driver.DiagRecord{State: state, Message: err.Error()}
}

// isConnectionLost returns true if err means that the connection to the server is unusable.
func isConnectionLost(err error) bool {
	if errors.Is(err, sqldrv.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgerrcode.IsConnectionException(pgErr.Code)
}
