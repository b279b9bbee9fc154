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

// Package collab holds the HTTP and exec clients for the external engines
// the pipeline delegates to: speech-to-text, translation, media download and
// the publish connector. Every client maps upstream failures onto the stage
// error taxonomy so the executor can decide about retries without knowing
// the protocol.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reelforge/src/model"
	"reelforge/src/stage"
)

const uploadTimeout = 30 * time.Minute

// STTClient uploads audio to a speech-to-text service and converts the
// response into pipeline segments.
type STTClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewSTTClient(baseURL, apiKey string, rps float64) *STTClient {
	if rps <= 0 {
		rps = 1
	}
	return &STTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: uploadTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// progressReader reports upload progress as a fraction of the known total.
type progressReader struct {
	reader   io.Reader
	total    int64
	read     int64
	callback func(float64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.read += int64(n)
	if pr.callback != nil && pr.total > 0 {
		pr.callback(float64(pr.read) / float64(pr.total))
	}
	return n, err
}

type sttSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type sttResponse struct {
	Language string       `json:"language_code,omitempty"`
	Segments []sttSegment `json:"segments"`
}

func (c *STTClient) Transcribe(ctx context.Context, audio io.Reader, size int64, p model.ASRParams, progress func(float64)) ([]model.Segment, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// Stream the multipart body through a pipe so the audio is never
	// buffered in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		defer mw.Close()
		if p.Model != "" {
			if err := mw.WriteField("model_id", p.Model); err != nil {
				errCh <- err
				return
			}
		}
		if p.Language != "" && strings.ToLower(p.Language) != "auto" {
			if err := mw.WriteField("language_code", p.Language); err != nil {
				errCh <- err
				return
			}
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
		h.Set("Content-Type", "audio/wav")
		part, err := mw.CreatePart(h)
		if err != nil {
			errCh <- err
			return
		}
		if _, err := io.Copy(part, audio); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	body := &progressReader{reader: pr, total: size + 1024, callback: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/speech-to-text", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.Transientf(err, "speech-to-text request failed")
	}
	defer resp.Body.Close()
	if writeErr := <-errCh; writeErr != nil {
		return nil, fmt.Errorf("multipart write: %w", writeErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("speech-to-text", resp)
	}

	var out sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, model.Permanentf(err, "decode speech-to-text response")
	}
	segs := make([]model.Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		segs = append(segs, model.Segment{
			StartMS: int64(s.Start * 1000),
			EndMS:   int64(s.End * 1000),
			Text:    text,
		})
	}
	return segs, nil
}

// statusError maps an upstream HTTP status onto the error taxonomy: rate
// limiting and server trouble are retryable, everything else is not.
func statusError(what string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return model.Transientf(nil, "%s returned %d: %s", what, resp.StatusCode, msg)
	}
	return model.Permanentf(nil, "%s returned %d: %s", what, resp.StatusCode, msg)
}

var _ stage.Transcriber = (*STTClient)(nil)
