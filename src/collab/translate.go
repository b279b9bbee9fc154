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
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reelforge/src/model"
	"reelforge/src/stage"
)

// LLMTranslator talks to an OpenAI-compatible chat completion endpoint. It
// translates in fixed-size batches so one oversized transcript cannot blow
// the context window, and verifies the model returned exactly one line per
// input segment.
type LLMTranslator struct {
	baseURL string
	apiKey  string
	llModel string
	client  *http.Client
	limiter *rate.Limiter
}

func NewLLMTranslator(baseURL, apiKey, llModel string, rps float64) *LLMTranslator {
	if rps <= 0 {
		rps = 2
	}
	if llModel == "" {
		llModel = "gpt-4o-mini"
	}
	return &LLMTranslator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		llModel: llModel,
		client:  &http.Client{Timeout: 5 * time.Minute},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (t *LLMTranslator) Translate(ctx context.Context, segs []model.Segment, p model.TranslateParams) ([]model.Segment, string, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = 50
	}
	out := make([]model.Segment, len(segs))
	copy(out, segs)

	for start := 0; start < len(out); start += batch {
		end := start + batch
		if end > len(out) {
			end = len(out)
		}
		if err := t.translateBatch(ctx, out[start:end], p); err != nil {
			return nil, "", err
		}
	}

	var summary string
	if p.Summary {
		s, err := t.summarize(ctx, segs, p)
		if err != nil {
			// The summary is a nicety; a translated transcript without one
			// is still a success.
			summary = ""
		} else {
			summary = s
		}
	}
	return out, summary, nil
}

func (t *LLMTranslator) translateBatch(ctx context.Context, segs []model.Segment, p model.TranslateParams) error {
	lines := make([]string, len(segs))
	for i, seg := range segs {
		lines[i] = seg.Text
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return err
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You translate video subtitles into %s.", p.TargetLang)
	if p.Style != "" {
		fmt.Fprintf(&sys, " Style: %s.", p.Style)
	}
	if len(p.Glossary) > 0 {
		sys.WriteString(" Always use these term translations:")
		for from, to := range p.Glossary {
			fmt.Fprintf(&sys, " %q -> %q;", from, to)
		}
	}
	sys.WriteString(" The user sends a JSON array of source lines. Reply with ONLY a JSON array of the same length holding the translations in order.")

	content, err := t.chat(ctx, sys.String(), string(payload))
	if err != nil {
		return err
	}
	var translated []string
	if err := json.Unmarshal([]byte(extractJSONArray(content)), &translated); err != nil {
		return model.Permanentf(err, "translator returned unparseable output")
	}
	if len(translated) != len(segs) {
		return model.Permanentf(nil, "translator returned %d lines for %d segments", len(translated), len(segs))
	}
	for i := range segs {
		segs[i].Translated = strings.TrimSpace(translated[i])
	}
	return nil
}

func (t *LLMTranslator) summarize(ctx context.Context, segs []model.Segment, p model.TranslateParams) (string, error) {
	var b strings.Builder
	for _, seg := range segs {
		b.WriteString(seg.Text)
		b.WriteString("\n")
		if b.Len() > 8000 {
			break
		}
	}
	sys := fmt.Sprintf("Summarize the topic of this video transcript in one or two sentences, in %s.", p.TargetLang)
	return t.chat(ctx, sys, b.String())
}

func (t *LLMTranslator) chat(ctx context.Context, system, user string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Model: t.llModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", model.Transientf(err, "translation request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("translator", resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", model.Permanentf(err, "decode translator response")
	}
	if len(out.Choices) == 0 {
		return "", model.Permanentf(nil, "translator returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// extractJSONArray strips the code fences some models insist on wrapping
// around JSON output.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var _ stage.Translator = (*LLMTranslator)(nil)
