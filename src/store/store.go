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

// Package store is the narrow task record API. It is the only component
// with transactional mutation; every cross-service view of pipeline state
// goes through it, never through direct storage access.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"reelforge/src/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStale signals that a guarded update matched nothing: the row moved
	// underneath the caller (concurrent transition, cancellation).
	ErrStale = errors.New("store: state changed underneath update")
)

type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error)

	// TransitionTask performs a validated, guarded state transition. It
	// fails with ErrStale when the task is no longer in `from`, which is
	// how workers observe mid-run cancellation before committing.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus) error
	// FailTask parks the task in FAILED, remembering the last good state so
	// retry rewinds instead of restarting.
	FailTask(ctx context.Context, id uuid.UUID, lastGood model.TaskStatus, errCode, errMsg string, retryable bool) error
	// RetryTask rewinds a FAILED task to its last good state and clears the
	// recorded error.
	RetryTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	CancelTask(ctx context.Context, id uuid.UUID) error

	AddArtifact(ctx context.Context, a *model.Artifact) error
	// LatestArtifact resolves the canonical artifact of a kind: newest
	// successfully recorded generation wins.
	LatestArtifact(ctx context.Context, taskID uuid.UUID, kind model.ArtifactKind) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, taskID uuid.UUID) ([]*model.Artifact, error)
	DeleteArtifact(ctx context.Context, id uuid.UUID) (*model.Artifact, error)

	// EnqueueRun claims the run's idempotency key. When a queued or running
	// run already holds the key the existing run is returned with created
	// false (duplicate-in-flight); likewise when the latest run for the key
	// already succeeded (idempotent no-op). A failed run never blocks.
	EnqueueRun(ctx context.Context, run *model.StageRun) (*model.StageRun, bool, error)
	// ClaimRun atomically moves the oldest due queued run for one of the
	// given stages to running. Returns (nil, nil) when nothing is due.
	ClaimRun(ctx context.Context, stages []model.Stage, workerID string) (*model.StageRun, error)
	SetRunProgress(ctx context.Context, runID uuid.UUID, progress float64) error
	// HeartbeatRun refreshes a running run's lease so the stale sweep can
	// tell a slow worker from a dead one.
	HeartbeatRun(ctx context.Context, runID uuid.UUID) error
	FinishRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, errCode, errMsg string) error
	GetRun(ctx context.Context, runID uuid.UUID) (*model.StageRun, error)
	RunsForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*model.StageRun, error)
	// RecoverStaleRuns fails running runs whose lock is older than the
	// lease, covering workers that died mid-stage.
	RecoverStaleRuns(ctx context.Context, staleAfter time.Duration) (int, error)

	GetPolicy(ctx context.Context, name string) (*model.PolicyProfile, error)
	PutPolicy(ctx context.Context, p *model.PolicyProfile) error

	ListSources(ctx context.Context) ([]*model.SourceEntry, error)
	AddSource(ctx context.Context, e *model.SourceEntry) error
	// MatchSource finds the enabled allow-list entry whose prefix covers the
	// URL, or ErrNotFound.
	MatchSource(ctx context.Context, url string) (*model.SourceEntry, error)

	GetPublishRecord(ctx context.Context, taskID uuid.UUID) (*model.PublishRecord, error)
	PutPublishRecord(ctx context.Context, r *model.PublishRecord) error
}
