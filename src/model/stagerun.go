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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StageRun is a single attempt to execute one stage for one task. For a
// given idempotency key, at most one run may be queued or running at a time.
type StageRun struct {
	ID             uuid.UUID `json:"id"`
	TaskID         uuid.UUID `json:"task_id"`
	Stage          Stage     `json:"stage"`
	IdempotencyKey string    `json:"idempotency_key"`

	Status   RunStatus `json:"status"`
	Progress float64   `json:"progress"` // [0,1]
	Attempt  int       `json:"attempt"`

	// Params is the validated parameter snapshot captured at enqueue time,
	// so a later policy edit never affects a run already in flight.
	Params json.RawMessage `json:"params,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	WorkerID string     `json:"worker_id,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
	RunAfter time.Time  `json:"run_after"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
