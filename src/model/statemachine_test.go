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

package model

import (
	"testing"

	"github.com/google/uuid"
)

func newTask(translate, render bool) *Task {
	return &Task{
		ID:        uuid.New(),
		Source:    SourceDescriptor{Type: SourceExternalURL, License: LicenseAuthorized},
		Status:    TaskCreated,
		Translate: translate,
		Render:    render,
		Publish:   true,
	}
}

func TestForwardWalkFull(t *testing.T) {
	task := newTask(true, true)

	want := []TaskStatus{
		TaskIngested, TaskDownloaded, TaskAudioExtracted, TaskASRDone,
		TaskTranslated, TaskSubtitleReady, TaskRendered, TaskReadyForReview,
	}
	for _, next := range want {
		st, ok := NextStage(task)
		if !ok {
			t.Fatalf("no stage out of %s", task.Status)
		}
		if got := StageTarget(st); got != next {
			t.Fatalf("stage %s out of %s targets %s, want %s", st, task.Status, got, next)
		}
		if err := Transition(task, task.Status, next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	// Review gate: no stage owns READY_FOR_REVIEW.
	if st, ok := NextStage(task); ok {
		t.Fatalf("stage %s must not bypass the review gate", st)
	}
	if err := Transition(task, TaskReadyForReview, TaskApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := Transition(task, TaskApproved, TaskPublishing); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if err := Transition(task, TaskPublishing, TaskPublished); err != nil {
		t.Fatalf("published: %v", err)
	}
	if !task.Terminal() {
		t.Fatal("PUBLISHED should be terminal")
	}
}

func TestForwardWalkSkipsDisabledStates(t *testing.T) {
	task := newTask(false, false)
	task.Status = TaskASRDone

	st, _ := NextStage(task)
	if st != StageLayout {
		t.Fatalf("translation disabled: stage out of ASR_DONE = %s, want layout", st)
	}
	if err := Transition(task, TaskASRDone, TaskSubtitleReady); err != nil {
		t.Fatalf("skip TRANSLATED: %v", err)
	}
	st, _ = NextStage(task)
	if st != StageFinalize {
		t.Fatalf("render disabled: stage out of SUBTITLE_READY = %s, want finalize", st)
	}
	if err := Transition(task, TaskSubtitleReady, TaskReadyForReview); err != nil {
		t.Fatalf("skip RENDERED: %v", err)
	}
	// The skipped edge must stay illegal.
	task.Status = TaskASRDone
	if err := Transition(task, TaskASRDone, TaskTranslated); err == nil {
		t.Fatal("ASR_DONE -> TRANSLATED must be illegal when translation is disabled")
	}
}

func TestIllegalJumps(t *testing.T) {
	cases := []struct{ from, to TaskStatus }{
		{TaskCreated, TaskASRDone},
		{TaskCreated, TaskPublished},
		{TaskDownloaded, TaskSubtitleReady},
		{TaskSubtitleReady, TaskApproved},
		{TaskReadyForReview, TaskPublished},
		{TaskPublished, TaskCanceled},
		{TaskCanceled, TaskCreated},
		{TaskPublished, TaskFailed},
	}
	for _, c := range cases {
		task := newTask(true, true)
		task.Status = c.from
		if err := Transition(task, c.from, c.to); err == nil {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestFailedParksAndRewinds(t *testing.T) {
	task := newTask(true, true)
	task.Status = TaskAudioExtracted
	task.LastGoodStatus = TaskAudioExtracted

	if err := Transition(task, TaskAudioExtracted, TaskFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if task.Terminal() {
		t.Fatal("FAILED must not be terminal")
	}
	// Retry rewinds to the state preceding the failed stage, nowhere else.
	if err := Transition(task, TaskFailed, TaskCreated); err == nil {
		t.Fatal("FAILED -> CREATED must be rejected")
	}
	if err := Transition(task, TaskFailed, TaskAudioExtracted); err != nil {
		t.Fatalf("rewind: %v", err)
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []TaskStatus{
		TaskCreated, TaskDownloaded, TaskASRDone, TaskReadyForReview,
		TaskApproved, TaskPublishing, TaskFailed,
	} {
		task := newTask(true, true)
		task.Status = from
		if err := Transition(task, from, TaskCanceled); err != nil {
			t.Errorf("cancel from %s: %v", from, err)
		}
	}
}

func TestStageExpectedStateMismatch(t *testing.T) {
	task := newTask(true, true)
	task.Status = TaskDownloaded
	if err := Transition(task, TaskCreated, TaskIngested); err == nil {
		t.Fatal("stale expected state must be rejected")
	}
}

func TestLaneFamilies(t *testing.T) {
	want := map[Stage]Family{
		StageIngest:       FamilyIngest,
		StageDownload:     FamilyIngest,
		StageExtractAudio: FamilyMedia,
		StageTranscribe:   FamilyMedia,
		StageTranslate:    FamilyMedia,
		StageLayout:       FamilyMedia,
		StageFinalize:     FamilyMedia,
		StageRender:       FamilyRender,
		StagePublish:      FamilyPublish,
	}
	for st, fam := range want {
		if got := st.Family(); got != fam {
			t.Errorf("%s routed to %s, want %s", st, got, fam)
		}
	}
}
