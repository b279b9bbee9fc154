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

// SourceEntry is an allow-list record for an approved external content
// source. Tasks reference entries by URL prefix; they never own them.
type SourceEntry struct {
	ID        uuid.UUID     `json:"id"`
	URLPrefix string        `json:"url_prefix"`
	License   SourceLicense `json:"license"`
	ProofURL  string        `json:"proof_url,omitempty"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
}

type PublishState string

const (
	PublishDraft      PublishState = "draft"
	PublishSubmitting PublishState = "submitting"
	PublishSubmitted  PublishState = "submitted"
	PublishDone       PublishState = "published"
	PublishFailed     PublishState = "failed"
)

// PublishRecord tracks the external submission for a task. At most one
// submission per task: once ExternalID is recorded, re-entry into the
// publish stage reconciles instead of resubmitting.
type PublishRecord struct {
	TaskID     uuid.UUID    `json:"task_id"`
	State      PublishState `json:"state"`
	ExternalID string       `json:"external_id,omitempty"`
	Response   string       `json:"response,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
