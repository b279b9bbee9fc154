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
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"reelforge/src/model"
)

func TestFingerprintStableForIdenticalInvocation(t *testing.T) {
	taskID := uuid.New()
	params := json.RawMessage(`{"language":"auto","model":"scribe_v2"}`)
	inputs := []*model.Artifact{{StorageKey: "work/x/audio.wav", SHA256: "abc123"}}

	a := Fingerprint(taskID, model.StageTranscribe, params, inputs)
	b := Fingerprint(taskID, model.StageTranscribe, params, inputs)
	if a != b {
		t.Fatalf("identical invocations produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintChangesWithEachComponent(t *testing.T) {
	taskID := uuid.New()
	params := json.RawMessage(`{"language":"auto"}`)
	inputs := []*model.Artifact{{StorageKey: "work/x/audio.wav", SHA256: "abc123"}}
	base := Fingerprint(taskID, model.StageTranscribe, params, inputs)

	if got := Fingerprint(uuid.New(), model.StageTranscribe, params, inputs); got == base {
		t.Error("different task produced the same key")
	}
	if got := Fingerprint(taskID, model.StageTranslate, params, inputs); got == base {
		t.Error("different stage produced the same key")
	}
	if got := Fingerprint(taskID, model.StageTranscribe, json.RawMessage(`{"language":"en"}`), inputs); got == base {
		t.Error("different params produced the same key")
	}
	newGen := []*model.Artifact{{StorageKey: "work/x/audio.wav", SHA256: "def456"}}
	if got := Fingerprint(taskID, model.StageTranscribe, params, newGen); got == base {
		t.Error("new input generation produced the same key")
	}
}

func TestFingerprintFallsBackToStorageKey(t *testing.T) {
	taskID := uuid.New()
	params := json.RawMessage(`{}`)
	a := Fingerprint(taskID, model.StageRender, params, []*model.Artifact{{StorageKey: "raw/x/v1.mp4"}})
	b := Fingerprint(taskID, model.StageRender, params, []*model.Artifact{{StorageKey: "raw/x/v2.mp4"}})
	if a == b {
		t.Fatal("unhashed artifacts with different keys collided")
	}
}
