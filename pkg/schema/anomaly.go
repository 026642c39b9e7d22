// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import "time"

// DetectorKind names which scoring strategy produced an Anomaly or a
// scoreBatch result. Anomalies are always tagged with the detector that was
// actually used, even when that differs from the one configured (see the
// external detector's z-score fallback).
type DetectorKind string

const (
	DetectorZScore          DetectorKind = "zscore"
	DetectorMedianDeviation DetectorKind = "median-deviation"
	DetectorExternal        DetectorKind = "external"
)

// Anomaly is a persisted record of a single scoring result flagged as
// anomalous. PointID is nullable: the referenced Point may have been dropped
// by a retention job before the Anomaly record was committed.
type Anomaly struct {
	ID        int64        `json:"id,omitempty" db:"id"`
	DeviceID  string       `json:"deviceId" db:"device_id"`
	PointID   *int64       `json:"pointId,omitempty" db:"point_id"`
	Score     float64      `json:"score" db:"score"`
	Detector  DetectorKind `json:"type" db:"detector"`
	Flagged   bool         `json:"flagged" db:"flagged"`
	Timestamp time.Time    `json:"ts" db:"ts"`
}

// ScoreResult is the per-point output of a detector's scoreBatch call.
type ScoreResult struct {
	PointIndex int
	Score      float64
	IsAnomaly  bool
}

// Pagination accompanies paged list responses.
type Pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}
