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

import "fmt"

const DefaultPolicyName = "default"

// AutoSwitches decides, per completed stage, whether the chainer enqueues
// the successor. There is deliberately no switch for the review gate:
// READY_FOR_REVIEW never auto-advances.
type AutoSwitches struct {
	Download     bool `json:"download"`
	ExtractAudio bool `json:"extract_audio"`
	Transcribe   bool `json:"transcribe"`
	Translate    bool `json:"translate"`
	Layout       bool `json:"layout"`
	Render       bool `json:"render"`
	Finalize     bool `json:"finalize"`
	Publish      bool `json:"publish"`
}

type ASRParams struct {
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

type TranslateParams struct {
	TargetLang string            `json:"target_lang,omitempty"`
	Style      string            `json:"style,omitempty"`
	Glossary   map[string]string `json:"glossary,omitempty"`
	BatchSize  int               `json:"batch_size,omitempty"`
	Summary    bool              `json:"summary,omitempty"`
}

type LayoutParams struct {
	MaxLineChars int      `json:"max_line_chars,omitempty"`
	MaxLines     int      `json:"max_lines,omitempty"`
	Formats      []string `json:"formats,omitempty"` // srt, ass
}

const (
	RenderModeBurnIn  = "burnin"
	RenderModeSoftMux = "softmux"
)

type RenderParams struct {
	Mode  string `json:"mode,omitempty"`
	Codec string `json:"codec,omitempty"`
	CRF   int    `json:"crf,omitempty"`
}

type PublishParams struct {
	Title string   `json:"title,omitempty"`
	Desc  string   `json:"desc,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// PolicyProfile is a versionless, replace-in-place configuration bundle. It
// is read by value at enqueue time; a mid-pipeline edit never affects a run
// already dispatched.
type PolicyProfile struct {
	Name      string          `json:"name"`
	Auto      AutoSwitches    `json:"auto"`
	ASR       ASRParams       `json:"asr"`
	Translate TranslateParams `json:"translate"`
	Layout    LayoutParams    `json:"layout"`
	Render    RenderParams    `json:"render"`
	Publish   PublishParams   `json:"publish"`
}

func DefaultPolicy() *PolicyProfile {
	return &PolicyProfile{
		Name: DefaultPolicyName,
		Auto: AutoSwitches{
			Download:     true,
			ExtractAudio: true,
			Transcribe:   true,
			Translate:    true,
			Layout:       true,
			Render:       true,
			Finalize:     true,
			Publish:      false,
		},
		ASR:       ASRParams{Language: "auto", Model: "scribe_v2"},
		Translate: TranslateParams{TargetLang: "zh", Style: "conversational", BatchSize: 50, Summary: true},
		Layout:    LayoutParams{MaxLineChars: 42, MaxLines: 2, Formats: []string{"srt"}},
		Render:    RenderParams{Mode: RenderModeBurnIn, Codec: "libx264", CRF: 23},
	}
}

func (p *PolicyProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Translate.BatchSize < 0 {
		return fmt.Errorf("translate batch_size must be >= 0")
	}
	switch p.Render.Mode {
	case "", RenderModeBurnIn, RenderModeSoftMux:
	default:
		return fmt.Errorf("render mode %q is not one of burnin, softmux", p.Render.Mode)
	}
	for _, f := range p.Layout.Formats {
		if f != "srt" && f != "ass" {
			return fmt.Errorf("layout format %q is not one of srt, ass", f)
		}
	}
	return nil
}

// AutoEnabled reports whether the chainer may enqueue the given stage.
func (p *PolicyProfile) AutoEnabled(s Stage) bool {
	switch s {
	case StageDownload:
		return p.Auto.Download
	case StageExtractAudio:
		return p.Auto.ExtractAudio
	case StageTranscribe:
		return p.Auto.Transcribe
	case StageTranslate:
		return p.Auto.Translate
	case StageLayout:
		return p.Auto.Layout
	case StageRender:
		return p.Auto.Render
	case StageFinalize:
		return p.Auto.Finalize
	case StagePublish:
		return p.Auto.Publish
	default:
		return false
	}
}
