// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

func TestDeviceRepository(t *testing.T) {
	t.Run("upsert is idempotent", func(t *testing.T) {
		setup(t)
		repo := GetDeviceRepository()

		d := &schema.Device{ID: "dev-1", Name: "Sensor One", CreatedAt: time.Now()}
		require.NoError(t, repo.UpsertDevice(d))
		require.NoError(t, repo.UpsertDevice(d))

		got, err := repo.GetDevice("dev-1")
		require.NoError(t, err)
		assert.Equal(t, "Sensor One", got.Name)
	})

	t.Run("unknown device returns ErrNoRows", func(t *testing.T) {
		setup(t)
		repo := GetDeviceRepository()

		_, err := repo.GetDevice("missing")
		assert.Equal(t, sql.ErrNoRows, err)

		exists, err := repo.Exists("missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("update location renders legacy lat/lng string", func(t *testing.T) {
		setup(t)
		repo := GetDeviceRepository()

		require.NoError(t, repo.UpsertDevice(&schema.Device{ID: "dev-1", Name: "Sensor One"}))
		require.NoError(t, repo.UpdateLocation("dev-1", 52.5, 13.4))

		got, err := repo.GetDevice("dev-1")
		require.NoError(t, err)
		assert.Equal(t, schema.FormatLatLng(52.5, 13.4), got.Location)
	})

	t.Run("list devices paginates and counts", func(t *testing.T) {
		setup(t)
		repo := GetDeviceRepository()

		for i := 0; i < 3; i++ {
			require.NoError(t, repo.UpsertDevice(&schema.Device{ID: string(rune('a' + i)), Name: "d"}))
		}

		devices, total, err := repo.ListDevices(2, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, devices, 2)
	})
}
