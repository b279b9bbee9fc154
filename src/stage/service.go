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

// Package stage executes one named stage for one task: check preconditions,
// claim the idempotency key, invoke the external collaborator, persist the
// resulting artifacts, transition task state.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"reelforge/src/blob"
	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/store"
)

// Notifier is the post-success hook; the auto-pipeline chainer implements
// it. It runs synchronously after the success commit.
type Notifier interface {
	AfterSuccess(ctx context.Context, task *model.Task, run *model.StageRun)
}

type Config struct {
	WorkDir     string
	MaxAttempts int           // per-stage attempt cap for automatic retry
	BackoffBase time.Duration // first retry delay, doubled per attempt
	BackoffCap  time.Duration
	// HeartbeatEvery is the lease refresh interval while a stage executes.
	// Must be well under the dispatcher's StaleAfter or long renders get
	// swept as abandoned.
	HeartbeatEvery time.Duration
}

func (c *Config) fill() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = time.Minute
	}
	if c.WorkDir == "" {
		c.WorkDir = "/tmp/reelforge"
	}
}

type Service struct {
	store  store.Store
	blob   blob.ObjectStore
	collab Collaborators
	cfg    Config
	notify Notifier
	stats  *logging.WorkerStats
}

func NewService(st store.Store, ob blob.ObjectStore, collab Collaborators, cfg Config, stats *logging.WorkerStats) *Service {
	cfg.fill()
	if stats == nil {
		stats = logging.NewWorkerStats()
	}
	return &Service{store: st, blob: ob, collab: collab, cfg: cfg, stats: stats}
}

// SetNotifier wires the chainer after construction; the chainer itself
// enqueues through this service, so the dependency is circular by nature.
func (s *Service) SetNotifier(n Notifier) { s.notify = n }

// Policy returns the profile by name, falling back to the built-in default
// when none has been stored yet.
func (s *Service) Policy(ctx context.Context, name string) *model.PolicyProfile {
	if name == "" {
		name = model.DefaultPolicyName
	}
	p, err := s.store.GetPolicy(ctx, name)
	if err != nil {
		return model.DefaultPolicy()
	}
	return p
}

// Enqueue is the single stage-invocation entry point, shared by the manual
// trigger API and the chainer so their policy logic cannot drift. It
// validates parameters, resolves the latest required input artifacts,
// derives the idempotency key and claims it. created is false when an
// identical invocation is already queued, running or succeeded.
func (s *Service) Enqueue(ctx context.Context, taskID uuid.UUID, st model.Stage, override json.RawMessage) (*model.StageRun, bool, error) {
	if !model.ValidStage(st) {
		return nil, false, model.Validationf("unknown stage %q", st)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if task.Status == model.TaskFailed {
		return nil, false, model.Conflictf("task %s is FAILED; retry it first", taskID)
	}
	expected, ok := model.NextStage(task)
	if !ok {
		return nil, false, model.Conflictf("no stage is runnable from state %s", task.Status)
	}
	if expected != st {
		return nil, false, model.Conflictf("stage %s is not runnable from state %s (next is %s)", st, task.Status, expected)
	}

	profile := s.Policy(ctx, model.DefaultPolicyName)
	params, err := resolveParams(st, task, profile, override)
	if err != nil {
		return nil, false, err
	}
	inputs, err := s.resolveInputs(ctx, task, st)
	if err != nil {
		return nil, false, err
	}

	run := &model.StageRun{
		TaskID:         taskID,
		Stage:          st,
		IdempotencyKey: Fingerprint(taskID, st, params, inputs),
		Params:         params,
	}
	return s.store.EnqueueRun(ctx, run)
}

// requiredInputs lists the artifact kinds a stage consumes. Each inner group
// is satisfied by the first kind present, so stages that can work with
// either subtitle variant accept whichever one layout produced. A group with
// nothing present is a precondition failure at enqueue time, not a crash
// mid-stage.
func requiredInputs(task *model.Task, st model.Stage) [][]model.ArtifactKind {
	subtitle := []model.ArtifactKind{model.ArtifactSubtitleASS, model.ArtifactSubtitleSRT}
	switch st {
	case model.StageIngest:
		if task.Source.Type == model.SourceLocalUpload {
			return [][]model.ArtifactKind{{model.ArtifactRawVideo}}
		}
		return nil
	case model.StageDownload:
		if task.Source.Type == model.SourceLocalUpload {
			return [][]model.ArtifactKind{{model.ArtifactRawVideo}}
		}
		return nil
	case model.StageExtractAudio:
		return [][]model.ArtifactKind{{model.ArtifactRawVideo}}
	case model.StageTranscribe:
		return [][]model.ArtifactKind{{model.ArtifactAudio}}
	case model.StageTranslate, model.StageLayout:
		return [][]model.ArtifactKind{{model.ArtifactSegments}}
	case model.StageRender:
		return [][]model.ArtifactKind{{model.ArtifactRawVideo}, subtitle}
	case model.StageFinalize:
		if task.Render {
			return [][]model.ArtifactKind{{model.ArtifactRenderedVideo}, subtitle}
		}
		return [][]model.ArtifactKind{subtitle}
	case model.StagePublish:
		if task.Render {
			return [][]model.ArtifactKind{{model.ArtifactRenderedVideo}}
		}
		return [][]model.ArtifactKind{{model.ArtifactRawVideo}}
	}
	return nil
}

func (s *Service) resolveInputs(ctx context.Context, task *model.Task, st model.Stage) ([]*model.Artifact, error) {
	var inputs []*model.Artifact
	for _, group := range requiredInputs(task, st) {
		a, err := s.latestOfKinds(ctx, task.ID, group)
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.Preconditionf("stage %s requires a %s artifact for task %s", st, kindsLabel(group), task.ID)
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, a)
	}
	return inputs, nil
}

// latestOfKinds resolves the first kind with a recorded artifact, honoring
// the group's preference order.
func (s *Service) latestOfKinds(ctx context.Context, taskID uuid.UUID, kinds []model.ArtifactKind) (*model.Artifact, error) {
	for _, kind := range kinds {
		a, err := s.store.LatestArtifact(ctx, taskID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, store.ErrNotFound
}

func kindsLabel(kinds []model.ArtifactKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, " or ")
}

// Execute runs one claimed stage run to completion. The caller (dispatch
// worker) has already moved it to running.
func (s *Service) Execute(ctx context.Context, run *model.StageRun) {
	task, err := s.store.GetTask(ctx, run.TaskID)
	if err != nil {
		logging.Logf(slog.LevelError, "run %s: load task: %v", run.ID, err)
		s.stats.UpdateStats("", 0, 0, 0, 1)
		return
	}
	s.stats.UpdateStats("", 1, 0, 0, 0)
	s.stats.RunStarted(run)
	defer s.stats.RunFinished(run.ID)

	// Keep the lease fresh while the stage runs: renders and downloads
	// routinely outlive the stale sweep's cutoff.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(hbCtx, run.ID)

	if task.Status == model.TaskCanceled {
		s.finishRun(ctx, run, model.RunFailed, "canceled", "task was canceled before execution")
		return
	}
	// A queued automatic retry finds its task parked in FAILED; rewind to
	// the last good state before running.
	if task.Status == model.TaskFailed && task.LastGoodStatus != "" {
		task, err = s.store.RetryTask(ctx, run.TaskID)
		if err != nil {
			s.finishRun(ctx, run, model.RunFailed, string(model.ErrConflict), fmt.Sprintf("retry rewind: %v", err))
			return
		}
	}
	if expected, ok := model.NextStage(task); !ok || expected != run.Stage {
		s.finishRun(ctx, run, model.RunFailed, string(model.ErrConflict),
			fmt.Sprintf("stage %s is not runnable from state %s", run.Stage, task.Status))
		return
	}

	from := task.Status
	serr := s.runStage(ctx, task, run)
	if serr != nil {
		s.failStage(ctx, task, run, from, serr)
		return
	}

	commitFrom := from
	if run.Stage == model.StagePublish {
		// runPublish moved APPROVED -> PUBLISHING before submitting.
		commitFrom = model.TaskPublishing
	}
	target := model.StageTarget(run.Stage)
	if err := s.store.TransitionTask(ctx, task.ID, commitFrom, target); err != nil {
		if errors.Is(err, store.ErrStale) {
			// Canceled (or otherwise moved) mid-run: do not advance, keep
			// the artifacts, mark the run abandoned.
			s.finishRun(ctx, run, model.RunFailed, "canceled", "task state changed mid-run; output kept but unused")
			return
		}
		logging.Logf(slog.LevelError, "run %s: commit transition: %v", run.ID, err)
		s.finishRun(ctx, run, model.RunFailed, string(model.ErrConflict), err.Error())
		return
	}
	if err := s.store.FinishRun(ctx, run.ID, model.RunSucceeded, "", ""); err != nil {
		logging.Logf(slog.LevelError, "run %s: mark succeeded: %v", run.ID, err)
		s.stats.UpdateStats("", 0, 0, 0, 1)
		return
	}
	s.stats.UpdateStats("", 0, 1, 0, 0)
	logging.Logf(slog.LevelInfo, "task %s: stage %s succeeded (%s -> %s)", task.ID, run.Stage, from, target)

	if s.notify != nil {
		task.Status = target
		s.notify.AfterSuccess(ctx, task, run)
	}
}

func (s *Service) runStage(ctx context.Context, task *model.Task, run *model.StageRun) *model.StageError {
	var err error
	switch run.Stage {
	case model.StageIngest:
		err = s.runIngest(ctx, task, run)
	case model.StageDownload:
		err = s.runDownload(ctx, task, run)
	case model.StageExtractAudio:
		err = s.runExtractAudio(ctx, task, run)
	case model.StageTranscribe:
		err = s.runTranscribe(ctx, task, run)
	case model.StageTranslate:
		err = s.runTranslate(ctx, task, run)
	case model.StageLayout:
		err = s.runLayout(ctx, task, run)
	case model.StageRender:
		err = s.runRender(ctx, task, run)
	case model.StageFinalize:
		err = s.runFinalize(ctx, task, run)
	case model.StagePublish:
		err = s.runPublish(ctx, task, run)
	default:
		err = model.Validationf("unknown stage %q", run.Stage)
	}
	if err == nil {
		return nil
	}
	return model.Classify(err)
}

func (s *Service) failStage(ctx context.Context, task *model.Task, run *model.StageRun, from model.TaskStatus, serr *model.StageError) {
	logging.Logf(slog.LevelError, "task %s: stage %s attempt %d failed: %v", task.ID, run.Stage, run.Attempt, serr)
	s.finishRun(ctx, run, model.RunFailed, string(serr.Kind), serr.Message)
	s.stats.UpdateStats("", 0, 0, 1, 0)

	// Never overwrite a cancellation that happened while we ran.
	if cur, err := s.store.GetTask(ctx, task.ID); err == nil && cur.Status == model.TaskCanceled {
		return
	}
	lastGood := from
	if run.Stage == model.StagePublish {
		// Retry must re-enter publish, which reconciles before anything
		// else; rewinding past APPROVED would cross the review gate.
		lastGood = model.TaskApproved
		if from == model.TaskPublishing {
			lastGood = model.TaskPublishing
		}
	}
	if err := s.store.FailTask(ctx, task.ID, lastGood, string(serr.Kind), serr.Message, serr.Retryable()); err != nil {
		logging.Logf(slog.LevelError, "task %s: record failure: %v", task.ID, err)
		s.stats.UpdateStats("", 0, 0, 0, 1)
	}

	if serr.Retryable() && run.Attempt < s.cfg.MaxAttempts {
		delay := s.backoff(run.Attempt)
		retry := &model.StageRun{
			TaskID:         run.TaskID,
			Stage:          run.Stage,
			IdempotencyKey: run.IdempotencyKey,
			Params:         run.Params,
			Attempt:        run.Attempt + 1,
			RunAfter:       time.Now().Add(delay),
		}
		if _, created, err := s.store.EnqueueRun(ctx, retry); err != nil {
			logging.Logf(slog.LevelError, "task %s: schedule retry: %v", task.ID, err)
		} else if created {
			logging.Logf(slog.LevelInfo, "task %s: stage %s retry %d/%d in %s",
				task.ID, run.Stage, retry.Attempt, s.cfg.MaxAttempts, delay)
		}
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

func (s *Service) finishRun(ctx context.Context, run *model.StageRun, status model.RunStatus, code, msg string) {
	if err := s.store.FinishRun(ctx, run.ID, status, code, msg); err != nil {
		logging.Logf(slog.LevelError, "run %s: finish: %v", run.ID, err)
		s.stats.UpdateStats("", 0, 0, 0, 1)
	}
}

// heartbeat refreshes the run's lock on a ticker until Execute returns, so
// the stale sweep only reaps runs whose worker actually died.
func (s *Service) heartbeat(ctx context.Context, runID uuid.UUID) {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.HeartbeatRun(ctx, runID); err != nil {
				logging.Logf(slog.LevelWarn, "run %s: heartbeat: %v", runID, err)
			}
		}
	}
}

func (s *Service) progressFn(ctx context.Context, run *model.StageRun) func(float64) {
	return func(f float64) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		_ = s.store.SetRunProgress(ctx, run.ID, f)
	}
}
