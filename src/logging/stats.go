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

package logging

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/src/model"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string            `json:"id"`
	StartTime        time.Time         `json:"start_time"`
	Uptime           string            `json:"uptime"`
	RunsProcessed    uint64            `json:"runs_processed"`
	RunsSuccessful   uint64            `json:"runs_successful"`
	RunsFailed       uint64            `json:"runs_failed"`
	DatabaseFailures uint64            `json:"database_failures"`
	CurrentRuns      []*model.StageRun `json:"current_runs,omitempty"`
}

// WorkerStats tracks the internal state of the worker. Lanes execute runs
// concurrently, so in-flight runs are a set keyed by run ID rather than a
// single slot.
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	current        map[uuid.UUID]*model.StageRun
}

func NewWorkerStats() *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			StartTime: time.Now(),
		},
		current: make(map[uuid.UUID]*model.StageRun),
	}
}

// UpdateStats updates the worker statistics
func (s *WorkerStats) UpdateStats(id string, processed, success, failed, databaseFailures uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.statusResponse.ID = id
	}
	s.statusResponse.RunsProcessed += processed
	s.statusResponse.RunsSuccessful += success
	s.statusResponse.RunsFailed += failed
	s.statusResponse.DatabaseFailures += databaseFailures

	UpdateSpanValue("worker_stage_runs_total", float64(s.statusResponse.RunsProcessed))
	UpdateSpanValue("worker_stage_runs_succeeded", float64(s.statusResponse.RunsSuccessful))
	UpdateSpanValue("worker_stage_runs_failed", float64(s.statusResponse.RunsFailed))
	if s.statusResponse.RunsProcessed > 0 {
		UpdateSpanValue("worker_stage_runs_error_rate",
			float64(s.statusResponse.RunsFailed)/float64(s.statusResponse.RunsProcessed))
	}
	UpdateSpanValue("worker_database_failures", float64(s.statusResponse.DatabaseFailures))
}

// RunStarted records a run entering execution on some lane.
func (s *WorkerStats) RunStarted(run *model.StageRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[run.ID] = run
	UpdateSpanValue("worker_runs_in_flight", float64(len(s.current)))
}

// RunFinished drops a run from the in-flight set once its lane is done
// with it, whatever the outcome.
func (s *WorkerStats) RunFinished(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, id)
	UpdateSpanValue("worker_runs_in_flight", float64(len(s.current)))
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	if len(s.current) > 0 {
		runs := make([]*model.StageRun, 0, len(s.current))
		for _, r := range s.current {
			runs = append(runs, r)
		}
		sort.Slice(runs, func(i, j int) bool {
			if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
				return runs[i].CreatedAt.Before(runs[j].CreatedAt)
			}
			return runs[i].ID.String() < runs[j].ID.String()
		})
		resp.CurrentRuns = runs
	}
	return resp
}
