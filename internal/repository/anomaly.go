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
	anomalyRepoOnce     sync.Once
	anomalyRepoInstance *AnomalyRepository
)

// AnomalyRepository is the Persistence Gateway's anomaly-facing surface.
type AnomalyRepository struct {
	DB *sqlx.DB
}

// GetAnomalyRepository returns the process-wide AnomalyRepository singleton.
func GetAnomalyRepository() *AnomalyRepository {
	anomalyRepoOnce.Do(func() {
		db := GetConnection()
		anomalyRepoInstance = &AnomalyRepository{DB: db.DB}
	})
	return anomalyRepoInstance
}

const namedAnomalyInsert = `
INSERT INTO anomaly (device_id, point_id, score, detector, flagged, ts)
	VALUES (:device_id, :point_id, :score, :detector, :flagged, :ts);`

// InsertAnomalies persists a batch of anomaly records best-effort: a failure
// inserting one record is logged and skipped rather than aborting the whole
// batch, since anomaly records are themselves redundant with scoring that
// can be recomputed from stored points.
func (r *AnomalyRepository) InsertAnomalies(anomalies []schema.Anomaly) ([]schema.Anomaly, error) {
	inserted := make([]schema.Anomaly, 0, len(anomalies))
	for i := range anomalies {
		res, err := r.DB.NamedExec(namedAnomalyInsert, anomalies[i])
		if err != nil {
			log.Warnf("skipping anomaly insert for device %q: %s", anomalies[i].DeviceID, err)
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			log.Warnf("error while getting last insert id for anomaly: %s", err)
			continue
		}
		anomalies[i].ID = id
		inserted = append(inserted, anomalies[i])
	}
	return inserted, nil
}

// AnomalyFilter narrows ListAnomalies. Every field is optional; a zero value
// leaves that predicate out of the query entirely.
type AnomalyFilter struct {
	DeviceID string
	From, To *time.Time
	Type     schema.DetectorKind
	Flagged  *bool
}

func (f AnomalyFilter) apply(b sq.SelectBuilder) sq.SelectBuilder {
	if f.DeviceID != "" {
		b = b.Where(sq.Eq{"device_id": f.DeviceID})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"ts": *f.From})
	}
	if f.To != nil {
		b = b.Where(sq.LtOrEq{"ts": *f.To})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"detector": f.Type})
	}
	if f.Flagged != nil {
		b = b.Where(sq.Eq{"flagged": *f.Flagged})
	}
	return b
}

// ListAnomalies returns a page of anomalies matching filter, newest first.
func (r *AnomalyRepository) ListAnomalies(filter AnomalyFilter, limit, offset int) ([]*schema.Anomaly, int64, error) {
	var total int64
	countQ := filter.apply(sq.Select("COUNT(*)").From("anomaly"))
	if err := countQ.RunWith(r.DB).QueryRow().Scan(&total); err != nil {
		log.Warn("error while counting anomalies")
		return nil, 0, err
	}

	q := filter.apply(sq.Select("id", "device_id", "point_id", "score", "detector", "flagged", "ts").
		From("anomaly")).
		OrderBy("ts DESC").Limit(uint64(limit)).Offset(uint64(offset))

	rows, err := q.RunWith(r.DB).Query()
	if err != nil {
		log.Warn("error while listing anomalies")
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*schema.Anomaly, 0, limit)
	for rows.Next() {
		a := &schema.Anomaly{}
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.PointID, &a.Score, &a.Detector, &a.Flagged, &a.Timestamp); err != nil {
			log.Warn("error while scanning anomaly row")
			return nil, 0, err
		}
		out = append(out, a)
	}

	return out, total, nil
}
