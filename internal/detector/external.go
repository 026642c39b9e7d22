// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/iotgrid/telemetry-pipeline/internal/metrics"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

// ExternalDetector delegates scoring to a remote HTTP service, buffering
// points per device until BatchSize points are available and then POSTing
// the whole buffer in one request. While a device's buffer is below
// BatchSize, its points are returned as provisional non-anomalous results
// and held for the next call; once the buffer reaches BatchSize the request
// is dispatched and only the indices belonging to the current call are
// extracted from the response (earlier buffered points were already
// returned to their own caller as provisional results — see DESIGN.md).
// On transport error, timeout, or non-2xx response, the current call's
// points are scored with the fallback z-score detector instead, and the
// result is tagged with the detector actually used.
type ExternalDetector struct {
	BaseURL   string
	BatchSize int
	Timeout   time.Duration
	Fallback  *ZScoreDetector
	Client    *http.Client

	// ctx is cancelled on pipeline shutdown to abort in-flight requests.
	ctx context.Context

	mu      sync.Mutex
	buffers map[string][]schema.Point
}

// NewExternalDetector builds an ExternalDetector. ctx should be a long-lived,
// cancellable context tied to the process lifetime: cancelling it aborts any
// in-flight scoring request so shutdown can proceed without waiting on a
// stalled remote service.
func NewExternalDetector(ctx context.Context, baseURL string, batchSize int, timeout time.Duration, fallback *ZScoreDetector) *ExternalDetector {
	return &ExternalDetector{
		BaseURL:   baseURL,
		BatchSize: batchSize,
		Timeout:   timeout,
		Fallback:  fallback,
		Client:    &http.Client{},
		ctx:       ctx,
		buffers:   make(map[string][]schema.Point),
	}
}

type scoreBatchRequest struct {
	DeviceID string         `json:"deviceId"`
	Points   []schema.Point `json:"points"`
}

type scoreBatchResponse struct {
	Scores []struct {
		Index     int     `json:"index"`
		Score     float64 `json:"score"`
		IsAnomaly bool    `json:"isAnomaly"`
	} `json:"scores"`
}

// ScoreBatch implements Detector.
func (d *ExternalDetector) ScoreBatch(deviceID string, points []schema.Point) ([]schema.ScoreResult, schema.DetectorKind) {
	d.mu.Lock()
	start := len(d.buffers[deviceID])
	d.buffers[deviceID] = append(d.buffers[deviceID], points...)
	buffered := d.buffers[deviceID]
	d.mu.Unlock()

	if len(buffered) < d.BatchSize {
		results := make([]schema.ScoreResult, len(points))
		for i := range points {
			results[i] = schema.ScoreResult{PointIndex: i, Score: 0, IsAnomaly: false}
		}
		return results, schema.DetectorExternal
	}

	d.mu.Lock()
	dispatched := d.buffers[deviceID]
	delete(d.buffers, deviceID)
	d.mu.Unlock()

	resp, err := d.dispatch(deviceID, dispatched)
	if err != nil {
		log.Warnf("external detector: %s, falling back to zscore for device %s", err, deviceID)
		metrics.ExternalDetectorFallbacks.Inc()
		return d.Fallback.ScoreBatch(deviceID, points)
	}

	byIndex := make(map[int]schema.ScoreResult, len(resp.Scores))
	for _, s := range resp.Scores {
		byIndex[s.Index] = schema.ScoreResult{Score: s.Score, IsAnomaly: s.IsAnomaly}
	}

	out := make([]schema.ScoreResult, len(points))
	for i := range points {
		srcIdx := start + i
		if r, ok := byIndex[srcIdx]; ok {
			out[i] = schema.ScoreResult{PointIndex: i, Score: r.Score, IsAnomaly: r.IsAnomaly}
		} else {
			out[i] = schema.ScoreResult{PointIndex: i}
		}
	}
	return out, schema.DetectorExternal
}

func (d *ExternalDetector) dispatch(deviceID string, points []schema.Point) (*scoreBatchResponse, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.Timeout)
	defer cancel()

	body, err := json.Marshal(scoreBatchRequest{DeviceID: deviceID, Points: points})
	if err != nil {
		return nil, fmt.Errorf("encoding score-batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/score-batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building score-batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score-batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("score-batch returned status %d", resp.StatusCode)
	}

	var out scoreBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding score-batch response: %w", err)
	}
	return &out, nil
}

// DrainResult pairs one device's abandoned buffer with the fallback
// detector's verdict on it, so the caller can persist and publish any
// anomaly the re-score turns up (the points themselves were already
// persisted and published as metrics before they reached this buffer).
type DrainResult struct {
	DeviceID string
	Points   []schema.Point
	Results  []schema.ScoreResult
}

// DrainAndFallback scores every device's currently buffered points with the
// fallback detector instead of the in-flight external result. Called during
// shutdown once the external context has been cancelled, per the
// requirement that pending external requests are abandoned and their
// batches re-scored with the fallback detector before the process exits.
func (d *ExternalDetector) DrainAndFallback() []DrainResult {
	d.mu.Lock()
	buffers := d.buffers
	d.buffers = make(map[string][]schema.Point)
	d.mu.Unlock()

	out := make([]DrainResult, 0, len(buffers))
	for deviceID, points := range buffers {
		results, _ := d.Fallback.ScoreBatch(deviceID, points)
		out = append(out, DrainResult{DeviceID: deviceID, Points: points, Results: results})
		metrics.ExternalDetectorFallbacks.Inc()
	}
	return out
}
