// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package httpedge is the HTTP Ingest Edge: the REST surface that accepts
// batches of points, exposes device/metric/anomaly reads, and reports
// liveness. It never writes to storage itself: ingest is delegated to the
// pipeline, and reads and device creation go to the repositories directly.
package httpedge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/iotgrid/telemetry-pipeline/internal/pipeline"
	"github.com/iotgrid/telemetry-pipeline/internal/repository"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/lrucache"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"
)

// readCacheTTL bounds how stale a cached GET /api/devices, /api/devices/{id},
// /api/metrics, or /api/anomalies response may be. These are the read paths
// dashboards poll most often; a short TTL absorbs repeated polling without meaningfully
// delaying a client that just posted new data.
const readCacheTTL = 2 * time.Second

// Server wires the Ingestion Pipeline and the Persistence Gateway's read
// paths behind an HTTP router.
type Server struct {
	Pipeline  *pipeline.Pipeline
	Devices   *repository.DeviceRepository
	Points    *repository.PointRepository
	Anomalies *repository.AnomalyRepository

	// APIKey, if non-empty, is required via the X-Api-Key header on every
	// /api/ingest request; the read routes do not check it. If empty, ingest
	// is open and a warning is logged once at startup.
	APIKey string

	// RateLimitPerMinute bounds each client identity (the X-Api-Key header
	// if set, else the remote address) to a token-bucket of this many
	// requests per minute.
	RateLimitPerMinute int

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	accepting atomic32
}

// NewServer builds a Server. It logs a warning immediately if no API key is
// configured, matching the requirement that an open ingest edge must warn
// at startup rather than fail silently.
func NewServer(p *pipeline.Pipeline, devices *repository.DeviceRepository, points *repository.PointRepository, anomalies *repository.AnomalyRepository, apiKey string, rateLimitPerMinute int) *Server {
	if apiKey == "" {
		log.Warn("httpedge: INGEST_API_KEY not set, ingest endpoint is open")
	}
	s := &Server{
		Pipeline:           p,
		Devices:            devices,
		Points:             points,
		Anomalies:          anomalies,
		APIKey:             apiKey,
		RateLimitPerMinute: rateLimitPerMinute,
		limiters:           make(map[string]*rate.Limiter),
	}
	s.accepting.set(true)
	return s
}

// StopAccepting makes /api/ingest answer 503 to new requests, for graceful
// shutdown: existing in-flight requests are left to the caller's server
// shutdown/drain logic.
func (s *Server) StopAccepting() {
	s.accepting.set(false)
}

// Router builds the full mux.Router for this edge, with compression, CORS,
// panic recovery, and access logging applied the way the rest of this
// dependency stack applies them.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	cached := lrucache.NewMiddleware(1024*1024, readCacheTTL)

	r.HandleFunc("/api/ingest", s.handleIngest).Methods(http.MethodPost)
	r.Handle("/api/devices", cached(http.HandlerFunc(s.handleListDevices))).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", s.handleCreateDevice).Methods(http.MethodPost)
	r.Handle("/api/devices/{id}", cached(http.HandlerFunc(s.handleGetDevice))).Methods(http.MethodGet)
	r.Handle("/api/metrics", cached(http.HandlerFunc(s.handleListMetrics))).Methods(http.MethodGet)
	r.Handle("/api/anomalies", cached(http.HandlerFunc(s.handleListAnomalies))).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "X-Api-Key"}),
		handlers.AllowedMethods([]string{"GET", "POST", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))

	return handlers.CustomLoggingHandler(log.InfoWriter, r, func(w io.Writer, params handlers.LogFormatterParams) {
		log.Finfof(w, "%s %s (%d, %dms)", params.Request.Method, params.URL.RequestURI(), params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})
}

type ingestRequest struct {
	DeviceID string         `json:"deviceId"`
	Metrics  []schema.Point `json:"metrics"`
}

type ingestResponse struct {
	Success           bool   `json:"success"`
	MetricsInserted   int    `json:"metricsInserted"`
	AnomaliesDetected int    `json:"anomaliesDetected"`
	DeviceID          string `json:"deviceId"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.get() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if !s.checkAuth(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing api key")
		return
	}
	identity := s.clientIdentity(r)
	if !s.allow(identity) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.DeviceID == "" || len(req.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "deviceId and at least one metric are required")
		return
	}

	inserted, anomalies, err := s.Pipeline.IngestHTTPBatch(req.DeviceID, req.Metrics)
	switch err {
	case nil:
		writeJSON(w, http.StatusCreated, ingestResponse{
			Success:           true,
			MetricsInserted:   inserted,
			AnomaliesDetected: anomalies,
			DeviceID:          req.DeviceID,
		})
	case pipeline.ErrUnknownDevice:
		writeError(w, http.StatusNotFound, "unknown device and auto-provisioning is disabled")
	case pipeline.ErrInvalidPoint:
		writeError(w, http.StatusBadRequest, "one or more points contain a NaN or Inf measurement")
	default:
		log.Errorf("httpedge: ingest failed for device %q: %s", req.DeviceID, err)
		writeError(w, http.StatusInternalServerError, "failed to persist points")
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	devices, total, err := s.Devices.ListDevices(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   total,
	})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var d schema.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		writeError(w, http.StatusBadRequest, "a non-empty device id is required")
		return
	}
	if err := s.Devices.UpsertDevice(&d); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := s.Devices.GetDevice(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := pagingParams(r)
	filter := repository.PointFilter{DeviceID: r.URL.Query().Get("deviceId"), From: from, To: to}
	points, total, err := s.Points.ListPoints(filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":    points,
		"pagination": schema.Pagination{Limit: limit, Offset: offset, Total: total},
	})
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	from, to, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := repository.AnomalyFilter{
		DeviceID: q.Get("deviceId"),
		From:     from,
		To:       to,
		Type:     schema.DetectorKind(q.Get("type")),
	}
	if v := q.Get("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "flagged must be a boolean")
			return
		}
		filter.Flagged = &flagged
	}
	limit, offset := pagingParams(r)
	anomalies, total, err := s.Anomalies.ListAnomalies(filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies":  anomalies,
		"pagination": schema.Pagination{Limit: limit, Offset: offset, Total: total},
	})
}

// rangeParams parses the optional from/to RFC3339 timestamp query
// parameters shared by /api/metrics and /api/anomalies.
func rangeParams(r *http.Request) (from, to *time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, nil, errors.New("from must be an RFC3339 timestamp")
		}
		from = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, nil, errors.New("to must be an RFC3339 timestamp")
		}
		to = &t
	}
	return from, to, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !s.accepting.get() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": http.StatusText(status)})
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.APIKey == "" {
		return true
	}
	return r.Header.Get("X-Api-Key") == s.APIKey
}

func (s *Server) clientIdentity(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	return r.RemoteAddr
}

func (s *Server) allow(identity string) bool {
	if s.RateLimitPerMinute <= 0 {
		return true
	}
	s.limitersMu.Lock()
	l, ok := s.limiters[identity]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(s.RateLimitPerMinute)/60.0), s.RateLimitPerMinute)
		s.limiters[identity] = l
	}
	s.limitersMu.Unlock()
	return l.Allow()
}

func pagingParams(r *http.Request) (limit, offset int) {
	limit = 1000
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// atomic32 is a small mutex-guarded bool, used for the accepting flag so
// StopAccepting can be called concurrently with in-flight requests.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
