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
	"time"

	"github.com/google/uuid"
)

type ArtifactKind string

const (
	ArtifactRawVideo      ArtifactKind = "raw_video"
	ArtifactMetadata      ArtifactKind = "metadata"
	ArtifactAudio         ArtifactKind = "audio"
	ArtifactSegments      ArtifactKind = "transcript_segments"
	ArtifactSubtitleSRT   ArtifactKind = "subtitle_srt"
	ArtifactSubtitleASS   ArtifactKind = "subtitle_ass"
	ArtifactRenderedVideo ArtifactKind = "rendered_video"
	ArtifactCoverImage    ArtifactKind = "cover_image"
	ArtifactPublishResult ArtifactKind = "publish_result"
	ArtifactLog           ArtifactKind = "log"
)

// Artifact is one immutable output of a stage run. Retries append new
// generations; the latest-by-creation-time artifact of a kind is canonical.
type Artifact struct {
	ID         uuid.UUID    `json:"id"`
	TaskID     uuid.UUID    `json:"task_id"`
	Kind       ArtifactKind `json:"kind"`
	StorageKey string       `json:"storage_key"`
	SHA256     string       `json:"sha256,omitempty"`
	SizeBytes  int64        `json:"size_bytes"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
