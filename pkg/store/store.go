// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package store is the database/sql persistence layer backing every
// entity in pkg/model. It runs against MySQL in production and SQLite in
// tests; queries stick to the subset both drivers understand.
package store

import (
	"database/sql"
	"fmt"
	"time"

	// Provides the mysql driver.
	_ "github.com/go-sql-driver/mysql"
	// Provides the sqlite3 driver, used by the test suite in place of a
	// real MySQL instance.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Config describes how to reach the backing SQL database.
type Config struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"dbusername"`
	Password string `mapstructure:"dbpassword"`
	Host     string `mapstructure:"dbhost"`
	Port     int    `mapstructure:"dbport"`
	Name     string `mapstructure:"dbname"`
}

// ApplyDefaults implements cfg.Defaulter.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "mysql"
	}
}

// dsn builds a driver-appropriate connection string when one was not
// supplied directly.
func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.Username, c.Password, c.Host, c.Port, c.Name)
}

// Store wraps the shared *sql.DB handle; every entity-specific repo in
// this package is a thin method set over the same connection pool.
type Store struct {
	driver string
	DB     *sql.DB
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.dsn())
	if err != nil {
		return nil, errors.Wrap(err, "store: opening database")
	}

	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "store: connecting to database")
	}

	return &Store{driver: cfg.Driver, DB: db}, nil
}

// OpenSQLite opens an in-process SQLite database, used by tests that
// need real SQL semantics (transactions, unique constraints) without a
// MySQL server.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "store: opening sqlite database")
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid lock-busy storms
	return &Store{driver: "sqlite3", DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
