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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"reelforge/src/model"
	"reelforge/src/store"
)

type countingExecutor struct {
	mu       sync.Mutex
	executed []model.Stage
	done     chan struct{}
	want     int
	st       store.Store
}

func (e *countingExecutor) Execute(ctx context.Context, run *model.StageRun) {
	e.st.FinishRun(ctx, run.ID, model.RunSucceeded, "", "")
	e.mu.Lock()
	e.executed = append(e.executed, run.Stage)
	if len(e.executed) == e.want {
		close(e.done)
	}
	e.mu.Unlock()
}

func enqueue(t *testing.T, st store.Store, taskID uuid.UUID, stage model.Stage, key string) {
	t.Helper()
	_, created, err := st.EnqueueRun(context.Background(), &model.StageRun{
		TaskID:         taskID,
		Stage:          stage,
		IdempotencyKey: key,
		Params:         []byte(`{}`),
	})
	if err != nil || !created {
		t.Fatalf("enqueue %s: created=%v err=%v", stage, created, err)
	}
}

func TestDispatcherExecutesAcrossLanes(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := &model.Task{Status: model.TaskCreated}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	enqueue(t, st, task.ID, model.StageIngest, "k1")
	enqueue(t, st, task.ID, model.StageTranscribe, "k2")
	enqueue(t, st, task.ID, model.StageRender, "k3")

	exec := &countingExecutor{done: make(chan struct{}), want: 3, st: st}
	d := New(st, exec, DefaultLanes(LaneWidths{PublishPerMin: 6000}), "w1")
	d.PollInterval = 10 * time.Millisecond
	d.Wake = st.Wake()

	runCtx, stop := context.WithCancel(ctx)
	go d.Run(runCtx)

	select {
	case <-exec.done:
	case <-ctx.Done():
		t.Fatalf("timed out; executed %v", exec.executed)
	}
	stop()

	seen := map[model.Stage]bool{}
	for _, s := range exec.executed {
		seen[s] = true
	}
	for _, want := range []model.Stage{model.StageIngest, model.StageTranscribe, model.StageRender} {
		if !seen[want] {
			t.Errorf("stage %s was never executed", want)
		}
	}
}

func TestDispatcherSkipsFutureRunAfter(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := &model.Task{Status: model.TaskCreated}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.EnqueueRun(ctx, &model.StageRun{
		TaskID:         task.ID,
		Stage:          model.StageIngest,
		IdempotencyKey: "backoff",
		RunAfter:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	exec := &countingExecutor{done: make(chan struct{}), want: 1, st: st}
	d := New(st, exec, DefaultLanes(LaneWidths{}), "w1")
	d.PollInterval = 10 * time.Millisecond

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go d.Run(runCtx)

	select {
	case <-exec.done:
		t.Fatal("backed-off run was executed early")
	case <-time.After(150 * time.Millisecond):
	}
}

type blockingExecutor struct {
	started chan uuid.UUID
	release chan struct{}
	st      store.Store
}

func (e *blockingExecutor) Execute(ctx context.Context, run *model.StageRun) {
	e.started <- run.ID
	select {
	case <-e.release:
	case <-ctx.Done():
		return
	}
	e.st.FinishRun(ctx, run.ID, model.RunSucceeded, "", "")
}

// A lane at width must leave further runs queued rather than claiming them
// into a wait: a claimed-but-unstarted run holds a lock it cannot refresh.
func TestLaneAtWidthLeavesRunsQueued(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task := &model.Task{Status: model.TaskCreated}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	enqueue(t, st, task.ID, model.StageIngest, "w1-first")
	enqueue(t, st, task.ID, model.StageIngest, "w1-second")

	exec := &blockingExecutor{started: make(chan uuid.UUID, 2), release: make(chan struct{}), st: st}
	d := New(st, exec, DefaultLanes(LaneWidths{Ingest: 1}), "w1")
	d.PollInterval = 10 * time.Millisecond
	d.Wake = st.Wake()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go d.Run(runCtx)

	var first uuid.UUID
	select {
	case first = <-exec.started:
	case <-ctx.Done():
		t.Fatal("first run never started")
	}

	// Give the lane time to claim the second run if it were going to.
	time.Sleep(100 * time.Millisecond)
	runs, err := st.RunsForTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var running, queued int
	for _, r := range runs {
		switch r.Status {
		case model.RunRunning:
			running++
		case model.RunQueued:
			queued++
		}
	}
	if running != 1 || queued != 1 {
		t.Fatalf("with lane width 1: %d running, %d queued; want 1 and 1", running, queued)
	}

	close(exec.release)
	select {
	case second := <-exec.started:
		if second == first {
			t.Fatalf("run %s started twice", second)
		}
	case <-ctx.Done():
		t.Fatal("second run never started after the slot freed")
	}
}

func TestDefaultLanesCoverEveryStage(t *testing.T) {
	lanes := DefaultLanes(LaneWidths{})
	covered := map[model.Stage]int{}
	for _, lane := range lanes {
		for _, s := range lane.Stages {
			covered[s]++
			if s.Family() != lane.Family {
				t.Errorf("stage %s in lane %s but belongs to family %s", s, lane.Family, s.Family())
			}
		}
	}
	for _, s := range []model.Stage{
		model.StageIngest, model.StageDownload, model.StageExtractAudio,
		model.StageTranscribe, model.StageTranslate, model.StageLayout,
		model.StageRender, model.StageFinalize, model.StagePublish,
	} {
		if covered[s] != 1 {
			t.Errorf("stage %s covered by %d lanes, want exactly 1", s, covered[s])
		}
	}
}
