// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

// DBConnection wraps the process-wide database handle.
type DBConnection struct {
	DB     *sqlx.DB
	Driver string
}

// Connect opens the database connection for the given driver ("sqlite3" or
// "mysql") and DSN, and bootstraps the schema if it does not exist yet. It is
// idempotent: only the first call actually opens a connection.
func Connect(driver string, dsn string) {
	var err error
	var dbHandle *sqlx.DB

	dbConnOnce.Do(func() {
		if driver == "sqlite3" {
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
			dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
			if err != nil {
				log.Fatal(err)
			}

			// sqlite does not multithread; more than one connection open
			// would just mean waiting for locks.
			dbHandle.SetMaxOpenConns(1)
		} else if driver == "mysql" {
			dbHandle, err = sqlx.Open("mysql", fmt.Sprintf("%s?multiStatements=true", dsn))
			if err != nil {
				log.Fatalf("sqlx.Open() error: %v", err)
			}

			dbHandle.SetConnMaxLifetime(time.Minute * 3)
			dbHandle.SetMaxOpenConns(10)
			dbHandle.SetMaxIdleConns(10)
		} else {
			log.Fatalf("unsupported database driver: %s", driver)
		}

		if err := bootstrapSchema(driver, dbHandle.DB); err != nil {
			log.Fatalf("bootstrapping schema: %v", err)
		}

		dbConnInstance = &DBConnection{DB: dbHandle, Driver: driver}
	})
}

// GetConnection returns the process-wide database handle. It exits the
// process via log.Fatalf if Connect was never called: there is no sensible fallback for
// a gateway with no database.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatalf("database connection not initialized")
	}

	return dbConnInstance
}
