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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/src/model"
)

// Memory implements Store with in-process maps. It backs tests and
// single-node development; the claim discipline matches the Postgres
// implementation under one mutex.
type Memory struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*model.Task
	arts     map[uuid.UUID]*model.Artifact
	runs     map[uuid.UUID]*model.StageRun
	policies map[string]*model.PolicyProfile
	sources  map[uuid.UUID]*model.SourceEntry
	publish  map[uuid.UUID]*model.PublishRecord
	seq      int64

	wake chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[uuid.UUID]*model.Task),
		arts:     make(map[uuid.UUID]*model.Artifact),
		runs:     make(map[uuid.UUID]*model.StageRun),
		policies: make(map[string]*model.PolicyProfile),
		sources:  make(map[uuid.UUID]*model.SourceEntry),
		publish:  make(map[uuid.UUID]*model.PublishRecord),
		wake:     make(chan struct{}, 1),
	}
}

// Wake signals once per enqueue, mirroring the Postgres NOTIFY trigger.
func (m *Memory) Wake() <-chan struct{} { return m.wake }

// now produces strictly increasing timestamps so latest-wins ordering is
// deterministic even within one clock tick.
func (m *Memory) now() time.Time {
	m.seq++
	return time.Now().Add(time.Duration(m.seq) * time.Microsecond)
}

func copyTask(t *model.Task) *model.Task   { c := *t; return &c }
func copyArt(a *model.Artifact) *model.Artifact { c := *a; return &c }

func copyRun(r *model.StageRun) *model.StageRun {
	c := *r
	c.Params = append(json.RawMessage(nil), r.Params...)
	return &c
}

func (m *Memory) CreateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.TaskCreated
	}
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*model.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return fmt.Errorf("%w: task %s is %s, expected %s", ErrStale, id, t.Status, from)
	}
	if err := model.Transition(t, from, to); err != nil {
		return err
	}
	t.ErrorCode, t.ErrorMessage = "", ""
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) FailTask(ctx context.Context, id uuid.UUID, lastGood model.TaskStatus, errCode, errMsg string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return fmt.Errorf("%w: task %s not failable", ErrStale, id)
	}
	t.LastGoodStatus = lastGood
	t.Status = model.TaskFailed
	t.ErrorCode, t.ErrorMessage, t.Retryable = errCode, errMsg, retryable
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) RetryTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != model.TaskFailed {
		return nil, fmt.Errorf("%w: task %s is %s, not FAILED", ErrStale, id, t.Status)
	}
	if err := model.Transition(t, model.TaskFailed, t.LastGoodStatus); err != nil {
		return nil, err
	}
	t.ErrorCode, t.ErrorMessage, t.Retryable = "", "", false
	t.RetryCount++
	t.UpdatedAt = m.now()
	return copyTask(t), nil
}

func (m *Memory) CancelTask(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return fmt.Errorf("%w: task %s not cancelable", ErrStale, id)
	}
	t.Status = model.TaskCanceled
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) AddArtifact(ctx context.Context, a *model.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = m.now()
	m.arts[a.ID] = copyArt(a)
	return nil
}

func (m *Memory) LatestArtifact(ctx context.Context, taskID uuid.UUID, kind model.ArtifactKind) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Artifact
	for _, a := range m.arts {
		if a.TaskID != taskID || a.Kind != kind {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyArt(latest), nil
}

func (m *Memory) ListArtifacts(ctx context.Context, taskID uuid.UUID) ([]*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Artifact
	for _, a := range m.arts {
		if a.TaskID == taskID {
			out = append(out, copyArt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteArtifact(ctx context.Context, id uuid.UUID) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arts[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.arts, id)
	return copyArt(a), nil
}

func (m *Memory) EnqueueRun(ctx context.Context, run *model.StageRun) (*model.StageRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *model.StageRun
	for _, r := range m.runs {
		if r.IdempotencyKey != run.IdempotencyKey {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest != nil {
		switch latest.Status {
		case model.RunQueued, model.RunRunning, model.RunSucceeded:
			return copyRun(latest), false, nil
		}
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	if run.RunAfter.IsZero() {
		run.RunAfter = time.Now()
	}
	run.CreatedAt = m.now()
	m.runs[run.ID] = copyRun(run)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return run, true, nil
}

func (m *Memory) ClaimRun(ctx context.Context, stages []model.Stage, workerID string) (*model.StageRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := func(st model.Stage) bool {
		for _, s := range stages {
			if s == st {
				return true
			}
		}
		return false
	}

	now := time.Now()
	var pick *model.StageRun
	for _, r := range m.runs {
		if r.Status != model.RunQueued || !eligible(r.Stage) || r.RunAfter.After(now) {
			continue
		}
		t := m.tasks[r.TaskID]
		if pick == nil {
			pick = r
			continue
		}
		pt := m.tasks[pick.TaskID]
		if t != nil && pt != nil && t.Priority != pt.Priority {
			if t.Priority < pt.Priority {
				pick = r
			}
			continue
		}
		if r.CreatedAt.Before(pick.CreatedAt) {
			pick = r
		}
	}
	if pick == nil {
		return nil, nil
	}
	ts := m.now()
	pick.Status = model.RunRunning
	pick.WorkerID = workerID
	pick.LockedAt = &ts
	pick.StartedAt = &ts
	return copyRun(pick), nil
}

func (m *Memory) SetRunProgress(ctx context.Context, runID uuid.UUID, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == model.RunRunning {
		r.Progress = progress
		ts := time.Now()
		r.LockedAt = &ts
	}
	return nil
}

func (m *Memory) HeartbeatRun(ctx context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == model.RunRunning {
		ts := time.Now()
		r.LockedAt = &ts
	}
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, errCode, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != model.RunRunning {
		return fmt.Errorf("%w: run %s not running", ErrStale, runID)
	}
	r.Status = status
	r.ErrorCode, r.ErrorMessage = errCode, errMsg
	if status == model.RunSucceeded {
		r.Progress = 1
	}
	ts := m.now()
	r.FinishedAt = &ts
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID uuid.UUID) (*model.StageRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *Memory) RunsForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*model.StageRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*model.StageRun
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecoverStaleRuns(ctx context.Context, staleAfter time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	n := 0
	for _, r := range m.runs {
		if r.Status != model.RunRunning || r.LockedAt == nil || r.LockedAt.After(cutoff) {
			continue
		}
		r.Status = model.RunFailed
		r.ErrorCode, r.ErrorMessage = string(model.ErrTransient), "worker lease expired"
		ts := m.now()
		r.FinishedAt = &ts
		n++
		if t, ok := m.tasks[r.TaskID]; ok && !t.Terminal() && t.Status != model.TaskFailed {
			t.LastGoodStatus = t.Status
			t.Status = model.TaskFailed
			t.ErrorCode, t.ErrorMessage, t.Retryable = string(model.ErrTransient), "worker lease expired", true
			t.UpdatedAt = ts
		}
	}
	return n, nil
}

func (m *Memory) GetPolicy(ctx context.Context, name string) (*model.PolicyProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) PutPolicy(ctx context.Context, p *model.PolicyProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.policies[p.Name] = &c
	return nil
}

func (m *Memory) ListSources(ctx context.Context) ([]*model.SourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SourceEntry
	for _, e := range m.sources {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AddSource(ctx context.Context, e *model.SourceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.now()
	c := *e
	m.sources[e.ID] = &c
	return nil
}

func (m *Memory) MatchSource(ctx context.Context, url string) (*model.SourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.SourceEntry
	for _, e := range m.sources {
		if !e.Enabled || !strings.HasPrefix(url, e.URLPrefix) {
			continue
		}
		if best == nil || len(e.URLPrefix) > len(best.URLPrefix) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	return &c, nil
}

func (m *Memory) GetPublishRecord(ctx context.Context, taskID uuid.UUID) (*model.PublishRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.publish[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *Memory) PutPublishRecord(ctx context.Context, r *model.PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = m.now()
	c := *r
	m.publish[r.TaskID] = &c
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
