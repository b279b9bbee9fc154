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

type SourceType string

const (
	SourceLocalUpload SourceType = "local_upload"
	SourceExternalURL SourceType = "external_url"
)

type SourceLicense string

const (
	LicenseOwn        SourceLicense = "own"
	LicenseAuthorized SourceLicense = "authorized"
	LicenseCC         SourceLicense = "cc"
	LicenseUnknown    SourceLicense = "unknown"
)

type TaskStatus string

const (
	TaskCreated        TaskStatus = "CREATED"
	TaskIngested       TaskStatus = "INGESTED"
	TaskDownloaded     TaskStatus = "DOWNLOADED"
	TaskAudioExtracted TaskStatus = "AUDIO_EXTRACTED"
	TaskASRDone        TaskStatus = "ASR_DONE"
	TaskTranslated     TaskStatus = "TRANSLATED"
	TaskSubtitleReady  TaskStatus = "SUBTITLE_READY"
	TaskRendered       TaskStatus = "RENDERED"
	TaskReadyForReview TaskStatus = "READY_FOR_REVIEW"
	TaskApproved       TaskStatus = "APPROVED"
	TaskPublishing     TaskStatus = "PUBLISHING"
	TaskPublished      TaskStatus = "PUBLISHED"
	TaskFailed         TaskStatus = "FAILED"
	TaskCanceled       TaskStatus = "CANCELED"
)

// SourceDescriptor is immutable after task creation.
type SourceDescriptor struct {
	Type     SourceType    `json:"type"`
	URL      string        `json:"url,omitempty"`
	License  SourceLicense `json:"license"`
	ProofURL string        `json:"proof_url,omitempty"`
}

// Task is one video's journey through the pipeline.
type Task struct {
	ID     uuid.UUID        `json:"id"`
	Source SourceDescriptor `json:"source"`

	Status TaskStatus `json:"status"`
	// LastGoodStatus is the state the task held before its most recent
	// failure. Retry rewinds to it instead of restarting the pipeline.
	LastGoodStatus TaskStatus `json:"last_good_status,omitempty"`

	Priority int `json:"priority"`

	// Feature switches fixed at creation; they shape the state walk.
	Translate  bool   `json:"translate"`
	Render     bool   `json:"render"`
	Publish    bool   `json:"publish"`
	TargetLang string `json:"target_lang,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Retryable    bool   `json:"is_retryable"`
	RetryCount   int    `json:"retry_count"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) Terminal() bool {
	return t.Status == TaskPublished || t.Status == TaskCanceled
}
