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

package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"reelforge/src/blob"
	"reelforge/src/model"
	"reelforge/src/store"
)

type stubFetcher struct{}

func (stubFetcher) FetchMetadata(ctx context.Context, url string) ([]byte, error) {
	return []byte(`{"title":"clip"}`), nil
}

func (stubFetcher) Download(ctx context.Context, url, destDir string) (string, error) {
	path := filepath.Join(destDir, "video.mp4")
	return path, os.WriteFile(path, []byte("fake-video-bytes"), 0o644)
}

type fixedTranscriber struct {
	failuresLeft int
	permanent    bool
	calls        int
}

func (s *fixedTranscriber) Transcribe(ctx context.Context, audio io.Reader, size int64, p model.ASRParams, progress func(float64)) ([]model.Segment, error) {
	s.calls++
	if s.permanent {
		return nil, model.Permanentf(nil, "audio is undecodable")
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, model.Transientf(nil, "stt backend overloaded")
	}
	if progress != nil {
		progress(1)
	}
	return []model.Segment{
		{StartMS: 0, EndMS: 1800, Text: "hello there"},
		{StartMS: 1800, EndMS: 4200, Text: "welcome to the channel"},
	}, nil
}

type fixedTranslator struct{}

func (fixedTranslator) Translate(ctx context.Context, segs []model.Segment, p model.TranslateParams) ([]model.Segment, string, error) {
	out := make([]model.Segment, len(segs))
	for i, seg := range segs {
		seg.Translated = "[" + p.TargetLang + "] " + seg.Text
		out[i] = seg
	}
	return out, "two-line greeting clip", nil
}

type stubMedia struct {
	onExtract func()
}

func (s *stubMedia) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	if s.onExtract != nil {
		s.onExtract()
	}
	return os.WriteFile(audioPath, []byte("fake-wav-bytes"), 0o644)
}

func (s *stubMedia) Render(ctx context.Context, job RenderJob) error {
	return os.WriteFile(job.OutPath, []byte("fake-rendered-bytes"), 0o644)
}

type stubPublisher struct {
	submits         int
	failFirstSubmit bool
	externalID      string
}

func (p *stubPublisher) Submit(ctx context.Context, req SubmitRequest) (PublishResult, error) {
	p.submits++
	p.externalID = "ext-1"
	if p.failFirstSubmit && p.submits == 1 {
		return PublishResult{}, model.Transientf(nil, "connector timeout")
	}
	return PublishResult{ExternalID: p.externalID, State: model.PublishDone}, nil
}

func (p *stubPublisher) Reconcile(ctx context.Context, taskID, externalID string) (PublishResult, error) {
	if p.externalID == "" {
		return PublishResult{}, ErrNoSubmission
	}
	return PublishResult{ExternalID: p.externalID, State: model.PublishDone}, nil
}

func newTestService(t *testing.T) (*Service, *store.Memory, blob.ObjectStore, *stubPublisher) {
	t.Helper()
	st := store.NewMemory()
	ob, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	pub := &stubPublisher{}
	collab := Collaborators{
		Fetcher:     stubFetcher{},
		Transcriber: &fixedTranscriber{},
		Translator:  fixedTranslator{},
		Media:       &stubMedia{},
		Publisher:   pub,
	}
	svc := NewService(st, ob, collab, Config{
		WorkDir:        t.TempDir(),
		BackoffBase:    time.Millisecond,
		HeartbeatEvery: time.Millisecond,
	}, nil)
	return svc, st, ob, pub
}

func seedArtifact(t *testing.T, st store.Store, ob blob.ObjectStore, taskID uuid.UUID, d blob.Domain, file string, kind model.ArtifactKind, data []byte) {
	t.Helper()
	ctx := context.Background()
	key := blob.Key(d, taskID, file)
	if err := ob.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream"); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	if err := st.AddArtifact(ctx, &model.Artifact{
		TaskID:     taskID,
		Kind:       kind,
		StorageKey: key,
		SizeBytes:  int64(len(data)),
	}); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
}

func TestFullPipelineWalk(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	ctx := context.Background()

	if err := st.AddSource(ctx, &model.SourceEntry{
		URLPrefix: "https://videos.example.com/",
		License:   model.LicenseAuthorized,
		Enabled:   true,
	}); err != nil {
		t.Fatalf("add source: %v", err)
	}
	task := &model.Task{
		Source: model.SourceDescriptor{
			Type:    model.SourceExternalURL,
			URL:     "https://videos.example.com/v/42",
			License: model.LicenseAuthorized,
		},
		Translate:  true,
		Render:     true,
		Publish:    true,
		TargetLang: "zh",
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i < 20; i++ {
		cur, err := st.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if cur.Status == model.TaskFailed {
			t.Fatalf("task failed: %s %s", cur.ErrorCode, cur.ErrorMessage)
		}
		if cur.Terminal() {
			break
		}
		if cur.Status == model.TaskReadyForReview {
			if err := st.TransitionTask(ctx, task.ID, model.TaskReadyForReview, model.TaskApproved); err != nil {
				t.Fatalf("approve: %v", err)
			}
			continue
		}
		next, ok := model.NextStage(cur)
		if !ok {
			t.Fatalf("no next stage from %s", cur.Status)
		}
		_, created, err := svc.Enqueue(ctx, task.ID, next, nil)
		if err != nil {
			t.Fatalf("enqueue %s from %s: %v", next, cur.Status, err)
		}
		if !created {
			t.Fatalf("stage %s: expected a fresh run", next)
		}
		svc.Execute(ctx, claimRun(t, st, next))
	}

	final, _ := st.GetTask(ctx, task.ID)
	if final.Status != model.TaskPublished {
		t.Fatalf("final status = %s, want %s (%s %s)", final.Status, model.TaskPublished, final.ErrorCode, final.ErrorMessage)
	}
	if pub.submits != 1 {
		t.Fatalf("publisher submits = %d, want 1", pub.submits)
	}
	for _, kind := range []model.ArtifactKind{
		model.ArtifactMetadata, model.ArtifactRawVideo, model.ArtifactAudio,
		model.ArtifactSegments, model.ArtifactSubtitleSRT,
		model.ArtifactRenderedVideo, model.ArtifactPublishResult,
	} {
		if _, err := st.LatestArtifact(ctx, task.ID, kind); err != nil {
			t.Errorf("missing %s artifact: %v", kind, err)
		}
	}
	segs := mustSegments(t, svc, task.ID)
	if segs[0].Translated == "" {
		t.Errorf("segments were not translated")
	}
}

func TestEnqueueDuplicateInFlight(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))

	first, created, err := svc.Enqueue(ctx, task.ID, model.StageIngest, nil)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := svc.Enqueue(ctx, task.ID, model.StageIngest, nil)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate enqueue created=%v id=%s, want existing run %s", created, second.ID, first.ID)
	}
}

func TestEnqueueRejectsWrongStage(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Enqueue(ctx, task.ID, model.StageTranscribe, nil)
	var se *model.StageError
	if !errors.As(err, &se) || se.Kind != model.ErrConflict {
		t.Fatalf("enqueue transcribe from CREATED: got %v, want conflict", err)
	}
}

func TestEnqueuePreconditionMissingInput(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskAudioExtracted,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Enqueue(ctx, task.ID, model.StageTranscribe, nil)
	var se *model.StageError
	if !errors.As(err, &se) || se.Kind != model.ErrPrecondition {
		t.Fatalf("enqueue without audio artifact: got %v, want precondition", err)
	}
}

func TestTransientFailureRetriesAndConverges(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	tr := &fixedTranscriber{failuresLeft: 2}
	svc.collab.Transcriber = tr

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskAudioExtracted,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainWork, "audio.wav", model.ArtifactAudio, []byte("wav"))

	run, _, err := svc.Enqueue(ctx, task.ID, model.StageTranscribe, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageTranscribe))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskFailed || !cur.Retryable {
		t.Fatalf("after first attempt: status=%s retryable=%v", cur.Status, cur.Retryable)
	}

	// Drain the automatic retries until no queued run remains.
	for i := 0; i < 5; i++ {
		if queuedRun(t, st, task.ID) == nil {
			break
		}
		svc.Execute(ctx, claimRun(t, st, model.StageTranscribe))
	}

	cur, _ = st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskASRDone {
		t.Fatalf("final status = %s, want %s (%s)", cur.Status, model.TaskASRDone, cur.ErrorMessage)
	}
	if tr.calls != 3 {
		t.Fatalf("transcriber calls = %d, want 3", tr.calls)
	}

	runs, _ := st.RunsForTask(ctx, task.ID, 0)
	var failed, succeeded int
	for _, r := range runs {
		if r.IdempotencyKey != run.IdempotencyKey {
			t.Errorf("run %s has key %s, want the original key", r.ID, r.IdempotencyKey)
		}
		switch r.Status {
		case model.RunFailed:
			failed++
		case model.RunSucceeded:
			succeeded++
		}
	}
	if failed != 2 || succeeded != 1 {
		t.Fatalf("runs: %d failed, %d succeeded; want 2 and 1", failed, succeeded)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	svc.collab.Transcriber = &fixedTranscriber{permanent: true}

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskAudioExtracted,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainWork, "audio.wav", model.ArtifactAudio, []byte("wav"))

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StageTranscribe, nil); err != nil {
		t.Fatal(err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageTranscribe))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskFailed || cur.Retryable {
		t.Fatalf("status=%s retryable=%v, want parked non-retryable", cur.Status, cur.Retryable)
	}
	if cur.LastGoodStatus != model.TaskAudioExtracted {
		t.Fatalf("last good = %s, want %s", cur.LastGoodStatus, model.TaskAudioExtracted)
	}
	if r := queuedRun(t, st, task.ID); r != nil {
		t.Fatalf("permanent failure scheduled retry run %s", r.ID)
	}
}

func TestCancelMidRunKeepsOutputUnused(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskDownloaded,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))

	svc.collab.Media = &stubMedia{onExtract: func() {
		if err := st.CancelTask(ctx, task.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}}

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StageExtractAudio, nil); err != nil {
		t.Fatal(err)
	}
	run := claimRun(t, st, model.StageExtractAudio)
	svc.Execute(ctx, run)

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskCanceled {
		t.Fatalf("status = %s, want CANCELED", cur.Status)
	}
	done, _ := st.GetRun(ctx, run.ID)
	if done.Status != model.RunFailed {
		t.Fatalf("run status = %s, want failed", done.Status)
	}
	// The artifact stays recorded; nothing consumes it.
	if _, err := st.LatestArtifact(ctx, task.ID, model.ArtifactAudio); err != nil {
		t.Fatalf("audio artifact should survive cancellation: %v", err)
	}
}

func seedSegments(t *testing.T, st store.Store, ob blob.ObjectStore, taskID uuid.UUID) {
	t.Helper()
	data, err := json.Marshal([]model.Segment{
		{StartMS: 0, EndMS: 1800, Text: "hello there"},
		{StartMS: 1800, EndMS: 4200, Text: "welcome to the channel"},
	})
	if err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, taskID, blob.DomainWork, "segments.json", model.ArtifactSegments, data)
}

func TestLayoutASSOnlyReachesReview(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskASRDone,
		Render: true,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))
	seedSegments(t, st, ob, task.ID)

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StageLayout, json.RawMessage(`{"formats":["ass"]}`)); err != nil {
		t.Fatalf("enqueue layout: %v", err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageLayout))

	if _, err := st.LatestArtifact(ctx, task.ID, model.ArtifactSubtitleASS); err != nil {
		t.Fatalf("no ASS artifact after layout: %v", err)
	}
	if _, err := st.LatestArtifact(ctx, task.ID, model.ArtifactSubtitleSRT); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unexpected SRT artifact: %v", err)
	}

	// Render and finalize accept the ASS generation as the subtitle input.
	if _, created, err := svc.Enqueue(ctx, task.ID, model.StageRender, nil); err != nil || !created {
		t.Fatalf("enqueue render: created=%v err=%v", created, err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageRender))
	if _, created, err := svc.Enqueue(ctx, task.ID, model.StageFinalize, nil); err != nil || !created {
		t.Fatalf("enqueue finalize: created=%v err=%v", created, err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageFinalize))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskReadyForReview {
		t.Fatalf("status = %s, want READY_FOR_REVIEW (%s %s)", cur.Status, cur.ErrorCode, cur.ErrorMessage)
	}
}

func TestFinalizeAcceptsASSOnlyDeliverable(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskSubtitleReady,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainSub, "subtitles.ass", model.ArtifactSubtitleASS, []byte("[Script Info]\n"))

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StageFinalize, nil); err != nil {
		t.Fatalf("enqueue finalize: %v", err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StageFinalize))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskReadyForReview {
		t.Fatalf("status = %s, want READY_FOR_REVIEW (%s %s)", cur.Status, cur.ErrorCode, cur.ErrorMessage)
	}
}

func TestLongStageSurvivesStaleSweep(t *testing.T) {
	svc, st, ob, _ := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source: model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status: model.TaskDownloaded,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))

	// The stage outlives the lease by a wide margin; the heartbeat must keep
	// the sweep from reaping it mid-run.
	svc.collab.Media = &stubMedia{onExtract: func() {
		time.Sleep(40 * time.Millisecond)
		n, err := st.RecoverStaleRuns(ctx, 20*time.Millisecond)
		if err != nil {
			t.Errorf("stale sweep: %v", err)
		}
		if n != 0 {
			t.Errorf("sweep reaped %d runs while the worker was alive", n)
		}
	}}

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StageExtractAudio, nil); err != nil {
		t.Fatal(err)
	}
	run := claimRun(t, st, model.StageExtractAudio)
	svc.Execute(ctx, run)

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskAudioExtracted {
		t.Fatalf("status = %s, want AUDIO_EXTRACTED (%s %s)", cur.Status, cur.ErrorCode, cur.ErrorMessage)
	}
	done, _ := st.GetRun(ctx, run.ID)
	if done.Status != model.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", done.Status)
	}
}

func TestPublishSubmitUnknownOutcomeReconciles(t *testing.T) {
	svc, st, ob, pub := newTestService(t)
	ctx := context.Background()
	pub.failFirstSubmit = true

	task := &model.Task{
		Source:  model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseOwn},
		Status:  model.TaskApproved,
		Publish: true,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StagePublish, nil); err != nil {
		t.Fatalf("enqueue publish: %v", err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StagePublish))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskFailed || !cur.Retryable {
		t.Fatalf("after lost submit: status=%s retryable=%v", cur.Status, cur.Retryable)
	}
	rec, err := st.GetPublishRecord(ctx, task.ID)
	if err != nil || rec.State != model.PublishSubmitting {
		t.Fatalf("record after lost submit: %+v err=%v, want submitting", rec, err)
	}

	if queuedRun(t, st, task.ID) == nil {
		t.Fatal("no retry run scheduled")
	}
	svc.Execute(ctx, claimRun(t, st, model.StagePublish))

	cur, _ = st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskPublished {
		t.Fatalf("status = %s, want PUBLISHED (%s)", cur.Status, cur.ErrorMessage)
	}
	if pub.submits != 1 {
		t.Fatalf("publisher submits = %d, want exactly 1", pub.submits)
	}
	rec, _ = st.GetPublishRecord(ctx, task.ID)
	if rec.ExternalID != "ext-1" || rec.State != model.PublishDone {
		t.Fatalf("final record = %+v", rec)
	}
}

func TestPublishRejectsUnknownLicense(t *testing.T) {
	svc, st, ob, pub := newTestService(t)
	ctx := context.Background()

	task := &model.Task{
		Source:  model.SourceDescriptor{Type: model.SourceLocalUpload, License: model.LicenseUnknown},
		Status:  model.TaskApproved,
		Publish: true,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	seedArtifact(t, st, ob, task.ID, blob.DomainRaw, "upload.mp4", model.ArtifactRawVideo, []byte("bytes"))

	if _, _, err := svc.Enqueue(ctx, task.ID, model.StagePublish, nil); err != nil {
		t.Fatal(err)
	}
	svc.Execute(ctx, claimRun(t, st, model.StagePublish))

	cur, _ := st.GetTask(ctx, task.ID)
	if cur.Status != model.TaskFailed || cur.ErrorCode != string(model.ErrPrecondition) {
		t.Fatalf("status=%s code=%s, want FAILED/precondition", cur.Status, cur.ErrorCode)
	}
	if pub.submits != 0 {
		t.Fatalf("publisher was called %d times for an unlicensed source", pub.submits)
	}
}

// claimRun mirrors the dispatcher: a run must be moved to running before
// execution. Retry runs carry a short backoff, so poll briefly.
func claimRun(t *testing.T, st store.Store, stage model.Stage) *model.StageRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := st.ClaimRun(context.Background(), []model.Stage{stage}, "test-worker")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if r != nil {
			return r
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no claimable %s run", stage)
	return nil
}

func queuedRun(t *testing.T, st store.Store, taskID uuid.UUID) *model.StageRun {
	t.Helper()
	runs, err := st.RunsForTask(context.Background(), taskID, 0)
	if err != nil {
		t.Fatalf("runs for task: %v", err)
	}
	for _, r := range runs {
		if r.Status == model.RunQueued {
			return r
		}
	}
	return nil
}

func mustSegments(t *testing.T, svc *Service, taskID uuid.UUID) []model.Segment {
	t.Helper()
	task := &model.Task{ID: taskID}
	segs, err := svc.latestSegments(context.Background(), task)
	if err != nil {
		t.Fatalf("load segments: %v", err)
	}
	if len(segs) == 0 {
		t.Fatal("no segments")
	}
	return segs
}
