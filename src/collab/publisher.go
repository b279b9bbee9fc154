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

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"reelforge/src/model"
	"reelforge/src/stage"
)

// PublishConnector talks to the external publish service. The task id is
// the dedupe token on the connector side, so a duplicate submit for the
// same task answers with the original submission rather than a new one.
type PublishConnector struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewPublishConnector(baseURL, apiKey string) *PublishConnector {
	return &PublishConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

type submissionResponse struct {
	ExternalID string `json:"external_id"`
	State      string `json:"state"`
}

func (c *PublishConnector) Submit(ctx context.Context, req stage.SubmitRequest) (stage.PublishResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return stage.PublishResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/submissions", bytes.NewReader(body))
	if err != nil {
		return stage.PublishResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return stage.PublishResult{}, model.Transientf(err, "publish submit failed")
	}
	defer resp.Body.Close()

	// 409 means the connector already has this task's submission; read it
	// back instead of failing.
	if resp.StatusCode == http.StatusConflict {
		return c.Reconcile(ctx, req.TaskID, "")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return stage.PublishResult{}, statusError("publish connector", resp)
	}
	return decodeSubmission(resp.Body)
}

func (c *PublishConnector) Reconcile(ctx context.Context, taskID, externalID string) (stage.PublishResult, error) {
	url := c.baseURL + "/v1/submissions/" + taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return stage.PublishResult{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return stage.PublishResult{}, model.Transientf(err, "publish reconcile failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return stage.PublishResult{}, stage.ErrNoSubmission
	}
	if resp.StatusCode != http.StatusOK {
		return stage.PublishResult{}, statusError("publish connector", resp)
	}
	return decodeSubmission(resp.Body)
}

func decodeSubmission(r io.Reader) (stage.PublishResult, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return stage.PublishResult{}, model.Transientf(err, "read publish response")
	}
	var sub submissionResponse
	if err := json.Unmarshal(raw, &sub); err != nil {
		return stage.PublishResult{}, model.Permanentf(err, "decode publish response")
	}
	res := stage.PublishResult{
		ExternalID: sub.ExternalID,
		Raw:        string(raw),
	}
	switch sub.State {
	case "published":
		res.State = model.PublishDone
	case "failed", "rejected":
		res.State = model.PublishFailed
	case "submitted", "processing", "review":
		res.State = model.PublishSubmitted
	default:
		res.State = model.PublishSubmitting
	}
	return res, nil
}

var _ stage.Publisher = (*PublishConnector)(nil)
