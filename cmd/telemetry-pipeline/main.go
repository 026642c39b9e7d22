// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/iotgrid/telemetry-pipeline/internal/config"
	"github.com/iotgrid/telemetry-pipeline/internal/detector"
	"github.com/iotgrid/telemetry-pipeline/internal/eventbus"
	"github.com/iotgrid/telemetry-pipeline/internal/httpedge"
	"github.com/iotgrid/telemetry-pipeline/internal/metrics"
	"github.com/iotgrid/telemetry-pipeline/internal/mqttedge"
	"github.com/iotgrid/telemetry-pipeline/internal/pipeline"
	"github.com/iotgrid/telemetry-pipeline/internal/repository"
	"github.com/iotgrid/telemetry-pipeline/internal/wsgateway"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/nats"
	"github.com/iotgrid/telemetry-pipeline/pkg/runtimeEnv"
	"github.com/iotgrid/telemetry-pipeline/pkg/schema"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagGops bool
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	// See https://github.com/google/gops (runtime overhead is almost zero).
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	cfg := config.Init()

	repository.Connect(cfg.DBDriver, cfg.DB)

	devices := repository.GetDeviceRepository()
	points := repository.GetPointRepository()
	anomalies := repository.GetAnomalyRepository()

	ctx, cancelExternal := context.WithCancel(context.Background())
	reg, externalDetector := buildDetectorRegistry(ctx, cfg)

	bus := eventbus.New(256)
	pl := pipeline.New(devices, points, anomalies, reg, bus, cfg.AllowAutoDevice, 5*time.Minute)

	nats.Init(nats.NatsConfig{Address: cfg.NATSAddress})
	nats.Connect()
	natsMirror := bus.MirrorToNATS("telemetry.events")

	httpSrv := httpedge.NewServer(pl, devices, points, anomalies, cfg.IngestAPIKey, cfg.IngestRateLimitPerMinute)

	var bridge *mqttedge.Bridge
	if cfg.MQTTEnable {
		bridge = mqttedge.New(pl, bus, devices, cfg.MQTTBatchSize, 500*time.Millisecond)
		if err := bridge.Start(cfg.MQTTBrokerURL); err != nil {
			log.Warnf("mqtt bridge: initial connect failed, will keep retrying in the background: %s", err)
		}
	}

	gw := wsgateway.New(bus)

	// /api/... (and its compression/recovery/CORS/logging middleware) is
	// fully assembled by the HTTP Ingest Edge; the websocket and metrics
	// routes are mounted alongside it rather than inside it, since neither
	// wants the ingest edge's JSON logging or rate limiting.
	top := mux.NewRouter()
	top.Handle("/ws", gw)
	top.Handle("/metrics", metrics.Handler())
	top.PathPrefix("/").Handler(httpSrv.Router())

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(top)

	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      handler,
		Addr:         cfg.Addr,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal(err)
	}

	// Binding to the configured address happens before privileges are
	// dropped, same ordering the teacher's server requires for privileged
	// ports.
	if err := runtimeEnv.DropPrivileges(cfg.User, cfg.Group); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP server listening at %s...", cfg.Addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		// Stop accepting new ingest requests before draining so in-flight
		// batches finish against a server that still answers reads.
		httpSrv.StopAccepting()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)

		// Abandon any in-flight external scoring request and re-score its
		// buffered points with the fallback detector before exit. The
		// drained points were already persisted and published as metrics
		// when they first reached the pipeline; only a newly-flagged
		// anomaly still needs to be persisted and published here.
		cancelExternal()
		if externalDetector != nil {
			for _, drained := range externalDetector.DrainAndFallback() {
				for i, r := range drained.Results {
					if !r.IsAnomaly {
						continue
					}
					point := drained.Points[i]
					pointID := point.ID
					anomaly := schema.Anomaly{
						DeviceID:  drained.DeviceID,
						PointID:   &pointID,
						Score:     r.Score,
						Detector:  schema.DetectorZScore,
						Flagged:   true,
						Timestamp: point.Timestamp,
					}
					inserted, err := anomalies.InsertAnomalies([]schema.Anomaly{anomaly})
					if err != nil || len(inserted) == 0 {
						log.Warnf("shutdown: dropping drained anomaly for device %q: %v", drained.DeviceID, err)
						continue
					}
					bus.Publish(eventbus.Event{Kind: eventbus.EventAnomalyNew, DeviceID: drained.DeviceID, Payload: inserted[0]})
					metrics.AnomaliesDetected.WithLabelValues(string(schema.DetectorZScore)).Inc()
				}
			}
		}

		if bridge != nil {
			bridge.Stop()
		}

		if natsMirror != nil {
			natsMirror.Close()
		}
		if client := nats.GetClient(); client != nil {
			client.Close()
		}
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("Gracefull shutdown completed!")
}

// buildDetectorRegistry constructs the configured Detector Registry,
// returning the concrete external detector too (nil unless configured) so
// shutdown can drain its buffers.
func buildDetectorRegistry(ctx context.Context, cfg config.Config) (*detector.Registry, *detector.ExternalDetector) {
	zscore := detector.NewZScoreDetector(cfg.AnomalyWindowSize, cfg.ZScoreThreshold)

	switch cfg.AnomalyEngine {
	case config.EngineExternal:
		// No dedicated env var names the external scorer's buffer size; it
		// shares MQTT_BATCH_SIZE's default of 64, matching the literal B=64
		// default given for both buffering policies.
		ext := detector.NewExternalDetector(ctx, cfg.ExternalMLURL, cfg.MQTTBatchSize, cfg.ExternalMLTimeout, zscore)
		return detector.NewRegistry(ext, schema.DetectorExternal), ext
	case config.EngineMedianDeviation:
		md := detector.NewMedianDeviationDetector(cfg.AnomalyWindowSize, cfg.ThresholdPercentile)
		return detector.NewRegistry(md, schema.DetectorMedianDeviation), nil
	default:
		return detector.NewRegistry(zscore, schema.DetectorZScore), nil
	}
}
