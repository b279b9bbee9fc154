// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"reelforge/src/blob"
	"reelforge/src/chain"
	"reelforge/src/collab"
	"reelforge/src/config"
	"reelforge/src/dispatch"
	"reelforge/src/logging"
	"reelforge/src/render"
	"reelforge/src/stage"
	"reelforge/src/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("configuration error: %v", err))
	}

	workerStats := logging.NewWorkerStats()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting pipeline worker with UUID: %s\n", workerID)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.NewPostgres(db)
	if err := st.EnsureSchema(ctx); err != nil {
		panic(fmt.Sprintf("failed to apply schema: %v", err))
	}

	// Blob storage backend
	var objectStore blob.ObjectStore
	switch cfg.BlobBackend {
	case "s3":
		s3, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			panic(fmt.Sprintf("failed to create s3 store: %v", err))
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			panic(fmt.Sprintf("failed to ensure bucket: %v", err))
		}
		objectStore = s3
	default:
		fs, err := blob.NewFSStore(cfg.FSRoot)
		if err != nil {
			panic(fmt.Sprintf("failed to create fs store: %v", err))
		}
		objectStore = fs
	}

	// Initialize Docker Client for the ffmpeg runner
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(fmt.Sprintf("failed to create docker client: %v", err))
	}
	defer cli.Close()

	ffmpeg := render.NewFFmpegRunner(cli, render.Config{
		Image:       cfg.FFmpegImage,
		WorkDir:     cfg.WorkDir,
		MemoryMB:    cfg.FFmpegMemoryMB,
		CPULimit:    cfg.FFmpegCPULimit,
		IdleTimeout: cfg.FFmpegIdleTimeout,
	})
	go ffmpeg.RunReaper(ctx)

	// Pre-pull the ffmpeg image
	fmt.Printf("Ensuring Docker image %s is available...\n", cfg.FFmpegImage)
	reader, err := cli.ImagePull(ctx, cfg.FFmpegImage, image.PullOptions{})
	if err != nil {
		fmt.Printf("Warning: failed to pull image: %v. Rendering might fail if image is not present locally.\n", err)
	} else {
		defer reader.Close()
		io.Copy(io.Discard, reader)
		fmt.Println("Docker image is ready.")
	}

	fetcher := collab.NewYTDLPFetcher()
	if err := fetcher.CheckBinary(); err != nil {
		fmt.Printf("Warning: %v. Download stages for external sources will fail.\n", err)
	}

	collaborators := stage.Collaborators{
		Fetcher:     fetcher,
		Transcriber: collab.NewSTTClient(cfg.STTBaseURL, cfg.STTAPIKey, cfg.STTRequestsPerSec),
		Translator:  collab.NewLLMTranslator(cfg.TranslateBaseURL, cfg.TranslateAPIKey, cfg.TranslateModel, cfg.TranslateRPS),
		Media:       ffmpeg,
		Publisher:   collab.NewPublishConnector(cfg.PublishBaseURL, cfg.PublishAPIKey),
	}

	svc := stage.NewService(st, objectStore, collaborators, stage.Config{
		WorkDir:     cfg.WorkDir,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}, workerStats)
	svc.SetNotifier(chain.New(st, svc))

	workerStats.UpdateStats(workerID, 0, 0, 0, 0)
	go StartAPIServer(cfg.APIPort, db, st, objectStore, svc, workerStats)

	// Setup PostgreSQL Listener for new stage runs
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("Listener error: %v\n", err)
		}
	}
	listener := pq.NewListener(cfg.DatabaseURL, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(store.NotifyChannel); err != nil {
		panic(err)
	}
	defer listener.Close()

	// Adapt pq notifications to the dispatcher's wake channel.
	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	// Setup Worker OpenTelemetry Metrics
	logging.InitializeFloatCounter("worker_stage_runs_total", "Total number of stage runs processed by the worker", "Run")
	logging.InitializeFloatCounter("worker_stage_runs_failed", "Number of failed stage runs", "Run")
	logging.InitializeFloatCounter("worker_stage_runs_succeeded", "Number of succeeded stage runs", "Run")
	logging.InitializeFloatCounter("worker_stage_runs_error_rate", "Error rate of stage runs", "%")
	logging.InitializeFloatCounter("worker_database_failures", "Number of database update failures", "Run")

	d := dispatch.New(st, svc, dispatch.DefaultLanes(dispatch.LaneWidths{
		Ingest:        cfg.LaneIngest,
		Media:         cfg.LaneMedia,
		Render:        cfg.LaneRender,
		PublishPerMin: cfg.PublishPerMin,
	}), workerID)
	d.Wake = wake
	d.PollInterval = cfg.PollInterval
	d.StaleAfter = cfg.StaleAfter

	logging.Logf(slog.LevelInfo, "Worker started. Waiting for stage runs (LISTEN/NOTIFY + Fallback Polling)...")

	if err := d.Run(ctx); err != nil && err != context.Canceled {
		logging.Logf(slog.LevelError, "dispatcher stopped: %v", err)
	}

	logging.Logf(slog.LevelInfo, "Shutting down worker gracefully...")
	ffmpeg.Cleanup(context.Background())
}
