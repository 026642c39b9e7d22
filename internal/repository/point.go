// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

var (
	pointRepoOnce     sync.Once
	pointRepoInstance *PointRepository
)

// PointRepository is the Persistence Gateway's point-facing surface.
type PointRepository struct {
	DB     *sqlx.DB
	driver string
}

// GetPointRepository returns the process-wide PointRepository singleton.
func GetPointRepository() *PointRepository {
	pointRepoOnce.Do(func() {
		db := GetConnection()
		pointRepoInstance = &PointRepository{DB: db.DB, driver: db.Driver}
	})
	return pointRepoInstance
}

const namedPointInsert = `
INSERT INTO point (device_id, arrival_seq, ts, temperature_c, vibration_g, humidity_pct, voltage_v)
	VALUES (:device_id, :arrival_seq, :ts, :temperature_c, :vibration_g, :humidity_pct, :voltage_v);`

// InsertPoints persists an ordered batch of points belonging to one device in
// a single transaction: either every point is durably recorded and its
// assigned ID filled in, or none are (all-or-nothing per batch). Arrival
// order is preserved by assigning ArrivalSeq as the points are written.
func (r *PointRepository) InsertPoints(points []schema.Point, nextSeq int64) error {
	tx, err := r.DB.Beginx()
	if err != nil {
		log.Errorf("error while beginning point insert transaction: %s", err)
		return err
	}
	defer tx.Rollback()

	for i := range points {
		points[i].ArrivalSeq = nextSeq + int64(i)
		res, err := tx.NamedExec(namedPointInsert, points[i])
		if err != nil {
			log.Errorf("error while inserting point for device %q: %s", points[i].DeviceID, err)
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			log.Errorf("error while getting last insert id for point: %s", err)
			return err
		}
		points[i].ID = id
	}

	if err := tx.Commit(); err != nil {
		log.Errorf("error while committing point insert transaction: %s", err)
		return err
	}

	return nil
}

// LatestArrivalSeq returns the highest ArrivalSeq recorded for a device, or 0
// if the device has no points yet. Used to resume arrival-order numbering
// after a restart.
func (r *PointRepository) LatestArrivalSeq(deviceID string) (int64, error) {
	var seq *int64
	err := sq.Select("MAX(arrival_seq)").From("point").
		Where(sq.Eq{"device_id": deviceID}).
		RunWith(r.DB).QueryRow().Scan(&seq)
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// PointFilter narrows ListPoints. DeviceID, From, and To are all optional;
// a zero value leaves that predicate out of the query entirely.
type PointFilter struct {
	DeviceID string
	From, To *time.Time
}

func (f PointFilter) apply(b sq.SelectBuilder) sq.SelectBuilder {
	if f.DeviceID != "" {
		b = b.Where(sq.Eq{"device_id": f.DeviceID})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"ts": *f.From})
	}
	if f.To != nil {
		b = b.Where(sq.LtOrEq{"ts": *f.To})
	}
	return b
}

// ListPoints returns a page of points matching filter, newest first.
func (r *PointRepository) ListPoints(filter PointFilter, limit, offset int) ([]*schema.Point, int64, error) {
	var total int64
	countQ := filter.apply(sq.Select("COUNT(*)").From("point"))
	if err := countQ.RunWith(r.DB).QueryRow().Scan(&total); err != nil {
		log.Warn("error while counting points")
		return nil, 0, err
	}

	q := filter.apply(sq.Select("id", "device_id", "arrival_seq", "ts", "temperature_c", "vibration_g", "humidity_pct", "voltage_v").
		From("point")).
		OrderBy("ts DESC").Limit(uint64(limit)).Offset(uint64(offset))

	rows, err := q.RunWith(r.DB).Query()
	if err != nil {
		log.Warn("error while listing points")
		return nil, 0, err
	}
	defer rows.Close()

	points := make([]*schema.Point, 0, limit)
	for rows.Next() {
		p := &schema.Point{}
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.ArrivalSeq, &p.Timestamp,
			&p.TemperatureC, &p.VibrationG, &p.HumidityPct, &p.VoltageV); err != nil {
			log.Warn("error while scanning point row")
			return nil, 0, err
		}
		points = append(points, p)
	}

	return points, total, nil
}

// RetryInsertPoints retries InsertPoints with exponential backoff on
// transient failures, surfacing the last error if all attempts fail. Callers
// (the ingestion pipeline) drop the batch and log on a persistent failure.
func (r *PointRepository) RetryInsertPoints(points []schema.Point, nextSeq int64, attempts int, base time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.InsertPoints(points, nextSeq); err == nil {
			return nil
		}
		time.Sleep(base * time.Duration(1<<uint(i)))
	}
	return err
}
