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

package chain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"reelforge/src/model"
	"reelforge/src/store"
)

type recordingEnqueuer struct {
	profile *model.PolicyProfile
	stages  []model.Stage
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, taskID uuid.UUID, st model.Stage, override json.RawMessage) (*model.StageRun, bool, error) {
	r.stages = append(r.stages, st)
	return &model.StageRun{ID: uuid.New(), TaskID: taskID, Stage: st}, true, nil
}

func (r *recordingEnqueuer) Policy(ctx context.Context, name string) *model.PolicyProfile {
	if r.profile != nil {
		return r.profile
	}
	return model.DefaultPolicy()
}

func seedTask(t *testing.T, st store.Store, task *model.Task) *model.Task {
	t.Helper()
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestChainAdvancesToNextStage(t *testing.T) {
	st := store.NewMemory()
	enq := &recordingEnqueuer{}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskDownloaded})
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageDownload})

	if len(enq.stages) != 1 || enq.stages[0] != model.StageExtractAudio {
		t.Fatalf("enqueued %v, want [extract_audio]", enq.stages)
	}
}

func TestChainStopsAtReviewGate(t *testing.T) {
	st := store.NewMemory()
	enq := &recordingEnqueuer{}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskReadyForReview, Publish: true})
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageFinalize})

	if len(enq.stages) != 0 {
		t.Fatalf("review gate auto-advanced: %v", enq.stages)
	}
}

func TestChainHonorsAutoSwitch(t *testing.T) {
	st := store.NewMemory()
	profile := model.DefaultPolicy()
	profile.Auto.Transcribe = false
	enq := &recordingEnqueuer{profile: profile}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskAudioExtracted})
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageExtractAudio})

	if len(enq.stages) != 0 {
		t.Fatalf("disabled stage was enqueued: %v", enq.stages)
	}
}

func TestChainSkipsTranslationWhenDisabledOnTask(t *testing.T) {
	st := store.NewMemory()
	enq := &recordingEnqueuer{}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskASRDone, Translate: false})
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageTranscribe})

	if len(enq.stages) != 1 || enq.stages[0] != model.StageLayout {
		t.Fatalf("enqueued %v, want [layout]", enq.stages)
	}
}

func TestChainNeverPublishesUnpublishableTask(t *testing.T) {
	st := store.NewMemory()
	profile := model.DefaultPolicy()
	profile.Auto.Publish = true
	enq := &recordingEnqueuer{profile: profile}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskApproved, Publish: false})
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageFinalize})

	if len(enq.stages) != 0 {
		t.Fatalf("publish enqueued for a non-publishing task: %v", enq.stages)
	}
}

func TestChainIgnoresCanceledTask(t *testing.T) {
	st := store.NewMemory()
	enq := &recordingEnqueuer{}
	c := New(st, enq)

	task := seedTask(t, st, &model.Task{Status: model.TaskDownloaded})
	if err := st.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}
	// Stale caller copy still says DOWNLOADED.
	c.AfterSuccess(context.Background(), task, &model.StageRun{Stage: model.StageDownload})

	if len(enq.stages) != 0 {
		t.Fatalf("canceled task was advanced: %v", enq.stages)
	}
}
