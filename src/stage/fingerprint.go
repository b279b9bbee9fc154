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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"reelforge/src/model"
)

// Fingerprint derives the idempotency key for one stage invocation from the
// task, the stage, the validated parameter snapshot, and the content hashes
// of the resolved inputs. A retry with identical inputs reuses the key; a
// new input generation or changed parameters produce a fresh one.
func Fingerprint(taskID uuid.UUID, st model.Stage, params json.RawMessage, inputs []*model.Artifact) string {
	h := sha256.New()
	io.WriteString(h, taskID.String())
	io.WriteString(h, "|")
	io.WriteString(h, string(st))
	io.WriteString(h, "|")
	h.Write(params)
	for _, a := range inputs {
		io.WriteString(h, "|")
		if a.SHA256 != "" {
			io.WriteString(h, a.SHA256)
		} else {
			io.WriteString(h, a.StorageKey)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
