// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/samber/lo"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"
)

type SQLDriver int

const (
	MySQL SQLDriver = iota
	Postgres
	SQLite
)

func (d SQLDriver) String() string {
	switch d {
	case MySQL:
		return "mysql"
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return fmt.Sprintf("SQLDriver(%d)", int(d))
}

// SQLConnection is a database connection shared by gorm and raw queries.
type SQLConnection struct {
	Driver SQLDriver
	Client *sql.DB
	Gorm   *gorm.DB
}

// IsSQL reports whether the path refers to a database supported by OpenSQL.
func IsSQL(path string) bool {
	return strings.HasPrefix(path, MySQLPrefix) ||
		strings.HasPrefix(path, PostgresPrefix) ||
		strings.HasPrefix(path, PostgreSQLPrefix) ||
		strings.HasPrefix(path, SQLitePrefix)
}

// OpenSQL connects to MySQL, Postgres or SQLite.
func OpenSQL(path, tablePrefix string, opts ...Option) (*SQLConnection, error) {
	option := NewOptions(opts...)
	var err error
	conn := new(SQLConnection)
	if strings.HasPrefix(path, MySQLPrefix) {
		name := path[len(MySQLPrefix):]
		// probe isolation variable name
		isolationVarName, err := ProbeMySQLIsolationVariableName(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		// append parameters
		if name, err = AppendMySQLParams(name, map[string]string{
			"sql_mode":       "'ONLY_FULL_GROUP_BY,STRICT_TRANS_TABLES,ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION'",
			isolationVarName: fmt.Sprintf("'%s'", option.IsolationLevel),
			"parseTime":      "true",
		}); err != nil {
			return nil, errors.Trace(err)
		}
		conn.Driver = MySQL
		if conn.Client, err = sql.Open("mysql", name); err != nil {
			return nil, errors.Trace(err)
		}
		ApplySQLPool(conn.Client, option)
		conn.Gorm, err = gorm.Open(mysql.New(mysql.Config{Conn: conn.Client}), NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	} else if strings.HasPrefix(path, PostgresPrefix) || strings.HasPrefix(path, PostgreSQLPrefix) {
		conn.Driver = Postgres
		if conn.Client, err = sql.Open("postgres", path); err != nil {
			return nil, errors.Trace(err)
		}
		ApplySQLPool(conn.Client, option)
		conn.Gorm, err = gorm.Open(postgres.New(postgres.Config{Conn: conn.Client}), NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	} else if strings.HasPrefix(path, SQLitePrefix) {
		// append parameters
		if path, err = AppendURLParams(path, []lo.Tuple2[string, string]{
			{"_pragma", "busy_timeout(10000)"},
			{"_pragma", "journal_mode(wal)"},
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// connect to database
		name := path[len(SQLitePrefix):]
		conn.Driver = SQLite
		if conn.Client, err = sql.Open("sqlite", name); err != nil {
			return nil, errors.Trace(err)
		}
		ApplySQLPool(conn.Client, option)
		conn.Gorm, err = gorm.Open(sqlite.Dialector{Conn: conn.Client}, NewGORMConfig(tablePrefix))
		if err != nil {
			return nil, errors.Trace(err)
		}
		return conn, nil
	}
	return nil, errors.Errorf("Unknown database: %s", path)
}
