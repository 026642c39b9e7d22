// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"path/filepath"
	"sync"
	"testing"
)

// setup connects a fresh sqlite3 database in a temp directory and bootstraps
// the schema, returning the DBConnection for assertions that need direct
// access. Each test gets its own database: the package-level singletons are
// reset so Connect opens a new handle instead of reusing a prior test's.
func setup(t *testing.T) *DBConnection {
	t.Helper()

	dbConnOnce = sync.Once{}
	dbConnInstance = nil
	deviceRepoOnce = sync.Once{}
	deviceRepoInstance = nil
	pointRepoOnce = sync.Once{}
	pointRepoInstance = nil
	anomalyRepoOnce = sync.Once{}
	anomalyRepoInstance = nil

	dbfile := filepath.Join(t.TempDir(), "test.db")
	Connect("sqlite3", dbfile)
	return GetConnection()
}
