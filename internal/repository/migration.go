// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// bootstrapSchema creates the device/point/anomaly tables if they do not
// already exist. There is exactly one schema version for this service, so a
// migration chain is unnecessary complexity; a single idempotent bootstrap
// script per backend is sufficient.
func bootstrapSchema(driver string, db *sql.DB) error {
	path := fmt.Sprintf("schema/%s.sql", driver)
	contents, err := schemaFiles.ReadFile(path)
	if err != nil {
		return fmt.Errorf("no bootstrap schema for driver %q: %w", driver, err)
	}

	if _, err := db.Exec(string(contents)); err != nil {
		return fmt.Errorf("executing bootstrap schema: %w", err)
	}
	return nil
}
