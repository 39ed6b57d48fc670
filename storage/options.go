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
	"time"

	"github.com/progprogect/customer-data/config"
)

type Options struct {
	IsolationLevel  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Option func(*Options)

func WithIsolationLevel(isolationLevel string) Option {
	return func(o *Options) {
		o.IsolationLevel = isolationLevel
	}
}

func WithMaxOpenConns(maxOpenConns int) Option {
	return func(o *Options) {
		o.MaxOpenConns = maxOpenConns
	}
}

func WithMaxIdleConns(maxIdleConns int) Option {
	return func(o *Options) {
		o.MaxIdleConns = maxIdleConns
	}
}

func WithConnMaxLifetime(connMaxLifetime time.Duration) Option {
	return func(o *Options) {
		o.ConnMaxLifetime = connMaxLifetime
	}
}

// WithDatabaseConfig applies the connection pool settings of the [database] section.
func WithDatabaseConfig(cfg config.DatabaseConfig) Option {
	return func(o *Options) {
		o.MaxOpenConns = cfg.MaxOpenConns
		o.MaxIdleConns = cfg.MaxIdleConns
		o.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
}

func ApplySQLPool(db *sql.DB, opt Options) {
	if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}
}

func NewOptions(opts ...Option) Options {
	opt := Options{
		IsolationLevel: "READ-UNCOMMITTED",
	}
	for _, o := range opts {
		o(&opt)
	}
	return opt
}
