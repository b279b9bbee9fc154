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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reelforge/src/model"
	"reelforge/src/stage"
)

func TestSTTClientTranscribe(t *testing.T) {
	var gotModel, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model_id")
		gotLang = r.FormValue("language_code")
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file part missing: %v", err)
		}
		json.NewEncoder(w).Encode(sttResponse{Segments: []sttSegment{
			{Start: 0, End: 1.5, Text: " hello "},
			{Start: 1.5, End: 3, Text: ""},
			{Start: 3, End: 4.25, Text: "world"},
		}})
	}))
	defer srv.Close()

	c := NewSTTClient(srv.URL, "key", 100)
	audio := strings.NewReader("fake-wav")
	var lastProgress float64
	segs, err := c.Transcribe(context.Background(), audio, int64(audio.Len()), model.ASRParams{Language: "en", Model: "scribe_v2"}, func(f float64) {
		lastProgress = f
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if gotModel != "scribe_v2" || gotLang != "en" {
		t.Errorf("form fields = %q/%q", gotModel, gotLang)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2 (empty text dropped)", len(segs))
	}
	if segs[0].StartMS != 0 || segs[0].EndMS != 1500 || segs[0].Text != "hello" {
		t.Errorf("first segment = %+v", segs[0])
	}
	if segs[1].EndMS != 4250 {
		t.Errorf("second segment end = %d, want 4250", segs[1].EndMS)
	}
	if lastProgress <= 0 {
		t.Errorf("progress was never reported")
	}
}

func TestSTTClientStatusClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		kind   model.ErrorKind
	}{
		{http.StatusTooManyRequests, model.ErrTransient},
		{http.StatusBadGateway, model.ErrTransient},
		{http.StatusUnauthorized, model.ErrPermanent},
		{http.StatusUnprocessableEntity, model.ErrPermanent},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewSTTClient(srv.URL, "", 100)
		_, err := c.Transcribe(context.Background(), strings.NewReader("x"), 1, model.ASRParams{}, nil)
		srv.Close()
		var se *model.StageError
		if !errors.As(err, &se) || se.Kind != tc.kind {
			t.Errorf("status %d: got %v, want kind %s", tc.status, err, tc.kind)
		}
	}
}

func TestLLMTranslatorBatches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var lines []string
		if err := json.Unmarshal([]byte(req.Messages[1].Content), &lines); err != nil {
			// Summary request sends plain text.
			json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Content: "a short clip"}}}})
			return
		}
		out := make([]string, len(lines))
		for i, l := range lines {
			out[i] = "zh:" + l
		}
		payload, _ := json.Marshal(out)
		json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Content: "```json\n" + string(payload) + "\n```"}}}})
	}))
	defer srv.Close()

	tr := NewLLMTranslator(srv.URL, "key", "test-model", 100)
	segs := []model.Segment{
		{Text: "one"}, {Text: "two"}, {Text: "three"},
	}
	out, summary, err := tr.Translate(context.Background(), segs, model.TranslateParams{
		TargetLang: "zh", BatchSize: 2, Summary: true,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("out = %d segments", len(out))
	}
	for i, seg := range out {
		if seg.Translated != "zh:"+segs[i].Text {
			t.Errorf("segment %d translated = %q", i, seg.Translated)
		}
		if seg.Text != segs[i].Text {
			t.Errorf("segment %d source text changed to %q", i, seg.Text)
		}
	}
	if summary != "a short clip" {
		t.Errorf("summary = %q", summary)
	}
	// 2 translation batches + 1 summary.
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
}

func TestLLMTranslatorLengthMismatchIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Content: `["only one"]`}}}})
	}))
	defer srv.Close()

	tr := NewLLMTranslator(srv.URL, "", "m", 100)
	_, _, err := tr.Translate(context.Background(), []model.Segment{{Text: "a"}, {Text: "b"}}, model.TranslateParams{TargetLang: "zh"})
	var se *model.StageError
	if !errors.As(err, &se) || se.Kind != model.ErrPermanent {
		t.Fatalf("got %v, want permanent", err)
	}
}

func TestPublishConnectorSubmitAndReconcile(t *testing.T) {
	submissions := map[string]submissionResponse{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req stage.SubmitRequest
			json.NewDecoder(r.Body).Decode(&req)
			if _, dup := submissions[req.TaskID]; dup {
				w.WriteHeader(http.StatusConflict)
				return
			}
			sub := submissionResponse{ExternalID: "bv-" + req.TaskID, State: "submitted"}
			submissions[req.TaskID] = sub
			json.NewEncoder(w).Encode(sub)
		case r.Method == http.MethodGet:
			id := strings.TrimPrefix(r.URL.Path, "/v1/submissions/")
			sub, ok := submissions[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			sub.State = "published"
			json.NewEncoder(w).Encode(sub)
		}
	}))
	defer srv.Close()

	c := NewPublishConnector(srv.URL, "key")
	ctx := context.Background()

	if _, err := c.Reconcile(ctx, "t1", ""); !errors.Is(err, stage.ErrNoSubmission) {
		t.Fatalf("reconcile before submit: %v, want ErrNoSubmission", err)
	}

	res, err := c.Submit(ctx, stage.SubmitRequest{TaskID: "t1", VideoKey: "final/t1/v.mp4", Title: "clip"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExternalID != "bv-t1" || res.State != model.PublishSubmitted {
		t.Fatalf("submit result = %+v", res)
	}

	// A duplicate submit answers with the existing submission via 409.
	res, err = c.Submit(ctx, stage.SubmitRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if res.ExternalID != "bv-t1" {
		t.Fatalf("duplicate submit result = %+v", res)
	}

	res, err = c.Reconcile(ctx, "t1", "bv-t1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.State != model.PublishDone {
		t.Fatalf("reconcile state = %s, want published", res.State)
	}
}

func TestClassifyYTDLP(t *testing.T) {
	base := fmt.Errorf("exit status 1")
	var se *model.StageError
	if err := classifyYTDLP(base, "ERROR: Video unavailable"); !errors.As(err, &se) || se.Kind != model.ErrPermanent {
		t.Errorf("removed video classified %v", err)
	}
	if err := classifyYTDLP(base, "ERROR: unable to download webpage: timed out"); !errors.As(err, &se) || se.Kind != model.ErrTransient {
		t.Errorf("network error classified %v", err)
	}
}
