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

// Segment is one time-aligned piece of transcript text. Translation fills
// Translated and leaves the source text untouched.
type Segment struct {
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	Text       string `json:"text"`
	Translated string `json:"translated,omitempty"`
}

// DisplayText is what subtitle layout renders: the translation when present,
// otherwise the source text.
func (s Segment) DisplayText() string {
	if s.Translated != "" {
		return s.Translated
	}
	return s.Text
}
