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

import "fmt"

type Stage string

const (
	StageIngest       Stage = "ingest"
	StageDownload     Stage = "download"
	StageExtractAudio Stage = "extract_audio"
	StageTranscribe   Stage = "transcribe"
	StageTranslate    Stage = "translate"
	StageLayout       Stage = "layout"
	StageRender       Stage = "render"
	StageFinalize     Stage = "finalize"
	StagePublish      Stage = "publish"
)

// Family partitions stages into dispatch lanes so that heavy or externally
// rate-limited work cannot starve the light stages.
type Family string

const (
	FamilyIngest  Family = "ingest"
	FamilyMedia   Family = "media"
	FamilyRender  Family = "render"
	FamilyPublish Family = "publish"
)

func (s Stage) Family() Family {
	switch s {
	case StageIngest, StageDownload:
		return FamilyIngest
	case StageRender:
		return FamilyRender
	case StagePublish:
		return FamilyPublish
	default:
		return FamilyMedia
	}
}

func ValidStage(s Stage) bool {
	switch s {
	case StageIngest, StageDownload, StageExtractAudio, StageTranscribe,
		StageTranslate, StageLayout, StageRender, StageFinalize, StagePublish:
		return true
	}
	return false
}

// NextStage returns the stage that owns the forward edge out of the task's
// current state, honoring the task's translate/render switches. ok is false
// when no stage may act: terminal states, FAILED, and the human review gate.
func NextStage(t *Task) (Stage, bool) {
	switch t.Status {
	case TaskCreated:
		return StageIngest, true
	case TaskIngested:
		return StageDownload, true
	case TaskDownloaded:
		return StageExtractAudio, true
	case TaskAudioExtracted:
		return StageTranscribe, true
	case TaskASRDone:
		if t.Translate {
			return StageTranslate, true
		}
		return StageLayout, true
	case TaskTranslated:
		return StageLayout, true
	case TaskSubtitleReady:
		if t.Render {
			return StageRender, true
		}
		return StageFinalize, true
	case TaskRendered:
		return StageFinalize, true
	case TaskApproved, TaskPublishing:
		// Re-entry into publish from PUBLISHING reconciles, it never resubmits.
		return StagePublish, true
	default:
		return "", false
	}
}

// StageTarget is the state a successful run of the stage commits.
func StageTarget(s Stage) TaskStatus {
	switch s {
	case StageIngest:
		return TaskIngested
	case StageDownload:
		return TaskDownloaded
	case StageExtractAudio:
		return TaskAudioExtracted
	case StageTranscribe:
		return TaskASRDone
	case StageTranslate:
		return TaskTranslated
	case StageLayout:
		return TaskSubtitleReady
	case StageRender:
		return TaskRendered
	case StageFinalize:
		return TaskReadyForReview
	case StagePublish:
		return TaskPublished
	}
	return TaskFailed
}

// CanTransition reports whether from -> to is a legal edge for the task.
// FAILED and CANCELED are reachable from any non-terminal state; every other
// edge must be the defined successor for the task's switches, plus the
// human-gated READY_FOR_REVIEW -> APPROVED edge and the retry rewind
// FAILED -> last good state.
func CanTransition(t *Task, from, to TaskStatus) bool {
	if from == TaskPublished || from == TaskCanceled {
		return false
	}
	if to == TaskCanceled {
		return true
	}
	if to == TaskFailed {
		return from != TaskFailed
	}
	if from == TaskFailed {
		return to == t.LastGoodStatus
	}
	if from == TaskReadyForReview {
		return to == TaskApproved
	}
	if from == TaskApproved {
		return to == TaskPublishing
	}
	if from == TaskPublishing {
		return to == TaskPublished
	}
	shadow := *t
	shadow.Status = from
	st, ok := NextStage(&shadow)
	return ok && StageTarget(st) == to
}

// Transition mutates the task if and only if the edge is legal. The caller
// supplies the expected prior state so that races are observable.
func Transition(t *Task, from, to TaskStatus) error {
	if t.Status != from {
		return fmt.Errorf("task %s: expected state %s, found %s", t.ID, from, t.Status)
	}
	if !CanTransition(t, from, to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, from, to)
	}
	t.Status = to
	return nil
}
