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
	"bytes"
	"encoding/json"

	"reelforge/src/model"
)

// resolveParams builds the validated parameter snapshot for a stage:
// profile defaults first, then the caller's override decoded strictly on
// top. Unknown or malformed fields are rejected at enqueue time, never
// silently ignored.
func resolveParams(st model.Stage, task *model.Task, profile *model.PolicyProfile, override json.RawMessage) (json.RawMessage, error) {
	decode := func(dst any) error {
		if len(override) == 0 {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(override))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return model.Validationf("invalid %s parameters: %v", st, err)
		}
		return nil
	}

	var params any
	switch st {
	case model.StageIngest, model.StageDownload, model.StageExtractAudio, model.StageFinalize:
		empty := struct{}{}
		if err := decode(&empty); err != nil {
			return nil, err
		}
		params = empty
	case model.StageTranscribe:
		p := profile.ASR
		if err := decode(&p); err != nil {
			return nil, err
		}
		params = p
	case model.StageTranslate:
		p := profile.Translate
		if task.TargetLang != "" {
			p.TargetLang = task.TargetLang
		}
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.TargetLang == "" {
			return nil, model.Validationf("translate: target_lang is required")
		}
		if p.BatchSize <= 0 {
			p.BatchSize = 50
		}
		params = p
	case model.StageLayout:
		p := profile.Layout
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.MaxLineChars <= 0 {
			p.MaxLineChars = 42
		}
		if p.MaxLines <= 0 {
			p.MaxLines = 2
		}
		if len(p.Formats) == 0 {
			p.Formats = []string{"srt"}
		}
		for _, f := range p.Formats {
			if f != "srt" && f != "ass" {
				return nil, model.Validationf("layout: format %q is not one of srt, ass", f)
			}
		}
		params = p
	case model.StageRender:
		p := profile.Render
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Mode == "" {
			p.Mode = model.RenderModeBurnIn
		}
		if p.Mode != model.RenderModeBurnIn && p.Mode != model.RenderModeSoftMux {
			return nil, model.Validationf("render: mode %q is not one of burnin, softmux", p.Mode)
		}
		if p.Codec == "" {
			p.Codec = "libx264"
		}
		params = p
	case model.StagePublish:
		p := profile.Publish
		if err := decode(&p); err != nil {
			return nil, err
		}
		params = p
	default:
		return nil, model.Validationf("unknown stage %q", st)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
