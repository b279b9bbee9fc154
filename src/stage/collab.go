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
	"context"
	"errors"
	"io"

	"reelforge/src/model"
)

// ErrNoSubmission is returned by Publisher.Reconcile when the destination
// has no record of a submission for the task; only then is resubmission
// safe.
var ErrNoSubmission = errors.New("publish: no submission on record")

// Fetcher resolves external-url sources: metadata first, media second.
type Fetcher interface {
	FetchMetadata(ctx context.Context, url string) ([]byte, error)
	// Download fetches the media into destDir and returns the file path.
	Download(ctx context.Context, url, destDir string) (string, error)
}

// Transcriber turns an audio object into time-aligned segments. It may
// block for the duration of the external call.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, size int64, p model.ASRParams, progress func(float64)) ([]model.Segment, error)
}

// Translator fills Segment.Translated for a batch of segments and may
// produce a topic summary when asked.
type Translator interface {
	Translate(ctx context.Context, segs []model.Segment, p model.TranslateParams) ([]model.Segment, string, error)
}

type RenderJob struct {
	VideoPath    string
	SubtitlePath string
	OutPath      string
	Mode         string // burnin | softmux
	Codec        string
	CRF          int
}

// MediaProcessor runs ffmpeg work on local files.
type MediaProcessor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
	Render(ctx context.Context, job RenderJob) error
}

type SubmitRequest struct {
	TaskID   string   `json:"task_id"`
	VideoKey string   `json:"video_key"`
	CoverKey string   `json:"cover_key,omitempty"`
	Title    string   `json:"title"`
	Desc     string   `json:"desc,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type PublishResult struct {
	ExternalID string             `json:"external_id"`
	State      model.PublishState `json:"state"`
	Raw        string             `json:"raw,omitempty"`
}

// Publisher submits once and reconciles thereafter. Submission is not
// safely idempotent by resubmission; the task id doubles as the dedupe
// token on the connector side.
type Publisher interface {
	Submit(ctx context.Context, req SubmitRequest) (PublishResult, error)
	Reconcile(ctx context.Context, taskID, externalID string) (PublishResult, error)
}

// Collaborators bundles every external engine the executor calls into.
type Collaborators struct {
	Fetcher     Fetcher
	Transcriber Transcriber
	Translator  Translator
	Media       MediaProcessor
	Publisher   Publisher
}
