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

// Package dispatch pulls queued stage runs and executes them on per-family
// lanes. Each lane has its own concurrency width, so a backlog of renders
// cannot starve ingests, and the publish lane is additionally rate limited
// because the destination platform throttles by account.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/store"
)

// Executor runs one claimed stage run to completion. Satisfied by
// *stage.Service.
type Executor interface {
	Execute(ctx context.Context, run *model.StageRun)
}

// Lane binds a set of stages to a concurrency width. RatePerMin > 0 adds a
// token bucket in front of claims.
type Lane struct {
	Family     model.Family
	Stages     []model.Stage
	Width      int
	RatePerMin float64
}

// LaneWidths configures DefaultLanes. Zero values fall back to defaults.
type LaneWidths struct {
	Ingest        int
	Media         int
	Render        int
	PublishPerMin float64
}

func DefaultLanes(w LaneWidths) []Lane {
	if w.Ingest <= 0 {
		w.Ingest = 4
	}
	if w.Media <= 0 {
		w.Media = 4
	}
	if w.Render <= 0 {
		w.Render = 1
	}
	if w.PublishPerMin <= 0 {
		w.PublishPerMin = 2
	}
	return []Lane{
		{Family: model.FamilyIngest, Width: w.Ingest, Stages: []model.Stage{
			model.StageIngest, model.StageDownload,
		}},
		{Family: model.FamilyMedia, Width: w.Media, Stages: []model.Stage{
			model.StageExtractAudio, model.StageTranscribe, model.StageTranslate,
			model.StageLayout, model.StageFinalize,
		}},
		{Family: model.FamilyRender, Width: w.Render, Stages: []model.Stage{
			model.StageRender,
		}},
		// Publishing is serialized: the platform throttles per account and
		// ordering mistakes there are visible to the outside world.
		{Family: model.FamilyPublish, Width: 1, RatePerMin: w.PublishPerMin, Stages: []model.Stage{
			model.StagePublish,
		}},
	}
}

type Dispatcher struct {
	store    store.Store
	exec     Executor
	lanes    []Lane
	workerID string

	// Wake fires when new runs may be claimable (LISTEN/NOTIFY). The poll
	// ticker is the fallback for missed notifications and backoff wakeups.
	Wake         <-chan struct{}
	PollInterval time.Duration
	StaleAfter   time.Duration
}

func New(st store.Store, exec Executor, lanes []Lane, workerID string) *Dispatcher {
	return &Dispatcher{
		store:        st,
		exec:         exec,
		lanes:        lanes,
		workerID:     workerID,
		PollInterval: 3 * time.Second,
		StaleAfter:   10 * time.Minute,
	}
}

// Run blocks until ctx is done, running one claim loop per lane plus the
// stale-run sweeper.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range d.lanes {
		lane := lane
		g.Go(func() error { return d.runLane(ctx, lane) })
	}
	g.Go(func() error { return d.sweepStale(ctx) })
	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (d *Dispatcher) runLane(ctx context.Context, lane Lane) error {
	width := lane.Width
	if width <= 0 {
		width = 1
	}
	var limiter *rate.Limiter
	if lane.RatePerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(lane.RatePerMin/60), 1)
	}

	// A slot is taken before claiming, never after: a run claimed while the
	// lane is at width would sit unstarted with its lock aging toward the
	// stale sweep.
	slots := make(chan struct{}, width)
	var workers sync.WaitGroup
	defer workers.Wait()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		run, err := d.store.ClaimRun(ctx, lane.Stages, d.workerID)
		if err != nil {
			logging.Logf(slog.LevelError, "lane %s: claim: %v", lane.Family, err)
		}
		if run != nil {
			logging.Logf(slog.LevelInfo, "lane %s: claimed run %s (task %s, stage %s, attempt %d)",
				lane.Family, run.ID, run.TaskID, run.Stage, run.Attempt)
			workers.Add(1)
			go func() {
				defer workers.Done()
				defer func() { <-slots }()
				d.exec.Execute(ctx, run)
			}()
			continue
		}
		<-slots

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake():
		}
	}
}

func (d *Dispatcher) wake() <-chan struct{} {
	if d.Wake != nil {
		return d.Wake
	}
	// Nil channel blocks forever; the ticker still polls.
	return nil
}

func (d *Dispatcher) sweepStale(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := d.store.RecoverStaleRuns(ctx, d.StaleAfter)
			if err != nil {
				logging.Logf(slog.LevelError, "stale sweep: %v", err)
				continue
			}
			if n > 0 {
				logging.Logf(slog.LevelWarn, "stale sweep: recovered %d abandoned runs", n)
			}
		}
	}
}
