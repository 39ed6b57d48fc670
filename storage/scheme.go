// Copyright 2022 gorse Project Authors
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
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	MySQLPrefix      = "mysql://"
	PostgresPrefix   = "postgres://"
	PostgreSQLPrefix = "postgresql://"
	SQLitePrefix     = "sqlite://"
	RedisPrefix      = "redis://"
	RedissPrefix     = "rediss://"
)

func AppendURLParams(rawURL string, params []lo.Tuple2[string, string]) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Trace(err)
	}
	q := parsed.Query()
	for _, tuple := range params {
		q.Add(tuple.A, tuple.B)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func AppendMySQLParams(dsn string, params map[string]string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Trace(err)
	}
	if cfg.Params == nil {
		cfg.Params = make(map[string]string)
	}
	for key, value := range params {
		if _, exist := cfg.Params[key]; !exist {
			cfg.Params[key] = value
		}
	}
	return cfg.FormatDSN(), nil
}

// ProbeMySQLIsolationVariableName returns tx_isolation on MySQL 5.x and transaction_isolation on newer servers.
func ProbeMySQLIsolationVariableName(dsn string) (string, error) {
	connection, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer connection.Close()
	rows, err := connection.Query("SHOW VARIABLES WHERE variable_name = 'transaction_isolation' OR variable_name = 'tx_isolation'")
	if err != nil {
		return "", errors.Trace(err)
	}
	defer rows.Close()
	var name, value string
	if rows.Next() {
		if err = rows.Scan(&name, &value); err != nil {
			return "", errors.Trace(err)
		}
	}
	return name, nil
}

type TablePrefix string

func (tp TablePrefix) ItemsTable() string {
	return string(tp) + "items"
}

func (tp TablePrefix) InteractionsTable() string {
	return string(tp) + "interactions"
}

// SnapshotsTable stores one row per installed similarity snapshot.
func (tp TablePrefix) SnapshotsTable() string {
	return string(tp) + "snapshots"
}

// EdgesTable stores similarity edges of every snapshot version.
func (tp TablePrefix) EdgesTable() string {
	return string(tp) + "similarity_edges"
}

// PointersTable maps an algorithm to its current snapshot version.
func (tp TablePrefix) PointersTable() string {
	return string(tp) + "snapshot_pointers"
}

func (tp TablePrefix) Key(key string) string {
	return string(tp) + key
}

func NewGORMConfig(tablePrefix string) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			zap.NewStdLog(log.Logger()),
			logger.Config{
				SlowThreshold:             10 * time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
		CreateBatchSize:        1000,
		SkipDefaultTransaction: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   tablePrefix,
			SingularTable: true,
			NameReplacer: strings.NewReplacer(
				"SQLItem", "Items",
				"SQLInteraction", "Interactions",
				"SQLSnapshot", "Snapshots",
				"SQLEdge", "similarity_edges",
				"SQLPointer", "snapshot_pointers",
			),
		},
	}
}
