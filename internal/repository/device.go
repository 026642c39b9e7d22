// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/lrucache"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

var (
	deviceRepoOnce     sync.Once
	deviceRepoInstance *DeviceRepository
)

// DeviceRepository is the Persistence Gateway's device-facing surface:
// idempotent upsert, paged reads, and a read cache for single-device lookups
// (GetDevice/Exists; devices are created far less often than the ingestion
// pipeline looks them up, once per accepted batch). ListDevices always reads
// from the database.
type DeviceRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
	cache     *lrucache.Cache
	driver    string
}

// GetDeviceRepository returns the process-wide DeviceRepository singleton.
func GetDeviceRepository() *DeviceRepository {
	deviceRepoOnce.Do(func() {
		db := GetConnection()
		deviceRepoInstance = &DeviceRepository{
			DB:        db.DB,
			driver:    db.Driver,
			stmtCache: sq.NewStmtCache(db.DB),
			cache:     lrucache.New(1024 * 1024),
		}
	})
	return deviceRepoInstance
}

// UpsertDevice inserts a device if its ID is unseen, or is a no-op if it
// already exists. Devices are never destroyed by the pipeline, so this is
// the only device-creation path used by the auto-provisioning flow as well
// as explicit device creation.
func (r *DeviceRepository) UpsertDevice(d *schema.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := sq.Insert("device").
		Columns("id", "name", "lat", "lng", "created_at").
		Values(d.ID, d.Name, 0.0, 0.0, d.CreatedAt).
		Suffix(onConflictDoNothing(r.driver, "id")).
		RunWith(r.stmtCache).Exec()
	if err != nil {
		log.Errorf("error while upserting device %q: %s", d.ID, err)
		return err
	}

	r.cache.Del("device:" + d.ID)
	return nil
}

// UpdateLocation updates a device's stored lat/lng. Rendering the legacy
// "lat:<n>,lng:<n>" wire format stays the caller's job (schema.FormatLatLng);
// the repository always stores the two numeric columns.
func (r *DeviceRepository) UpdateLocation(deviceID string, lat, lng float64) error {
	_, err := sq.Update("device").
		Set("lat", lat).
		Set("lng", lng).
		Where(sq.Eq{"id": deviceID}).
		RunWith(r.stmtCache).Exec()
	if err != nil {
		log.Errorf("error while updating location for device %q: %s", deviceID, err)
		return err
	}

	r.cache.Del("device:" + deviceID)
	return nil
}

// GetDevice returns a single device by ID, or sql.ErrNoRows if it does not
// exist.
func (r *DeviceRepository) GetDevice(deviceID string) (*schema.Device, error) {
	if cached := r.cache.Get("device:"+deviceID, nil); cached != nil {
		d := cached.(schema.Device)
		return &d, nil
	}

	d := &schema.Device{}
	var lat, lng float64
	err := sq.Select("id", "name", "lat", "lng", "created_at").From("device").
		Where(sq.Eq{"id": deviceID}).
		RunWith(r.stmtCache).QueryRow().
		Scan(&d.ID, &d.Name, &lat, &lng, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Location = schema.FormatLatLng(lat, lng)

	r.cache.Put("device:"+deviceID, *d, 1, 5*time.Minute)
	return d, nil
}

// Exists reports whether a device with this ID has been provisioned.
func (r *DeviceRepository) Exists(deviceID string) (bool, error) {
	_, err := r.GetDevice(deviceID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListDevices returns a page of devices ordered by ID.
func (r *DeviceRepository) ListDevices(limit, offset int) ([]*schema.Device, int64, error) {
	var total int64
	if err := sq.Select("COUNT(*)").From("device").RunWith(r.DB).QueryRow().Scan(&total); err != nil {
		log.Warn("error while counting devices")
		return nil, 0, err
	}

	q := sq.Select("id", "name", "lat", "lng", "created_at").From("device").
		OrderBy("id ASC").Limit(uint64(limit)).Offset(uint64(offset))

	rows, err := q.RunWith(r.DB).Query()
	if err != nil {
		log.Warn("error while listing devices")
		return nil, 0, err
	}
	defer rows.Close()

	devices := make([]*schema.Device, 0, limit)
	for rows.Next() {
		d := &schema.Device{}
		var lat, lng float64
		if err := rows.Scan(&d.ID, &d.Name, &lat, &lng, &d.CreatedAt); err != nil {
			log.Warn("error while scanning device row")
			return nil, 0, err
		}
		d.Location = schema.FormatLatLng(lat, lng)
		devices = append(devices, d)
	}

	for _, d := range devices {
		counts, err := r.deviceCounts(d.ID)
		if err != nil {
			log.Warnf("error while counting metrics/anomalies for device %q: %s", d.ID, err)
			continue
		}
		d.Count = counts
	}

	return devices, total, nil
}

// deviceCounts queries how many points and anomalies a device has recorded,
// for the per-device _count field in list responses.
func (r *DeviceRepository) deviceCounts(deviceID string) (*schema.DeviceCounts, error) {
	c := &schema.DeviceCounts{}
	if err := sq.Select("COUNT(*)").From("point").Where(sq.Eq{"device_id": deviceID}).
		RunWith(r.DB).QueryRow().Scan(&c.Metrics); err != nil {
		return nil, err
	}
	if err := sq.Select("COUNT(*)").From("anomaly").Where(sq.Eq{"device_id": deviceID}).
		RunWith(r.DB).QueryRow().Scan(&c.Anomalies); err != nil {
		return nil, err
	}
	return c, nil
}

func onConflictDoNothing(driver, column string) string {
	if driver == "mysql" {
		return "ON DUPLICATE KEY UPDATE " + column + " = " + column
	}
	return "ON CONFLICT(" + column + ") DO NOTHING"
}
