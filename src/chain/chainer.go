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

// Package chain advances tasks automatically after a stage success. The
// chainer holds no pipeline logic of its own: the state machine decides
// what comes next, the policy profile decides whether it runs unattended,
// and the executor's enqueue path does all validation.
package chain

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/store"
)

// Enqueuer is the slice of the stage executor the chainer needs. Satisfied
// by *stage.Service.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, st model.Stage, override json.RawMessage) (*model.StageRun, bool, error)
	Policy(ctx context.Context, name string) *model.PolicyProfile
}

type Chainer struct {
	store store.Store
	enq   Enqueuer
}

func New(st store.Store, enq Enqueuer) *Chainer {
	return &Chainer{store: st, enq: enq}
}

// AfterSuccess enqueues the successor stage when the policy allows it.
// Reloads the task rather than trusting the caller's copy: another actor
// may have canceled or advanced it between commit and notification.
func (c *Chainer) AfterSuccess(ctx context.Context, task *model.Task, run *model.StageRun) {
	cur, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		logging.Logf(slog.LevelError, "chain: reload task %s: %v", task.ID, err)
		return
	}
	if cur.Terminal() || cur.Status == model.TaskFailed {
		return
	}

	next, ok := model.NextStage(cur)
	if !ok {
		// READY_FOR_REVIEW: the review gate never auto-advances.
		return
	}
	profile := c.enq.Policy(ctx, model.DefaultPolicyName)
	if !profile.AutoEnabled(next) {
		logging.Logf(slog.LevelDebug, "chain: task %s stops before %s (auto disabled)", cur.ID, next)
		return
	}
	if next == model.StagePublish && !cur.Publish {
		return
	}

	_, created, err := c.enq.Enqueue(ctx, cur.ID, next, nil)
	if err != nil {
		logging.Logf(slog.LevelError, "chain: enqueue %s for task %s: %v", next, cur.ID, err)
		return
	}
	if created {
		logging.Logf(slog.LevelInfo, "chain: task %s advances to %s", cur.ID, next)
	}
}
