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
	"fmt"
	"strings"

	"reelforge/src/model"
)

// BuildSRT lays segments out as an SRT document.
func BuildSRT(segs []model.Segment, p model.LayoutParams) string {
	var b strings.Builder
	n := 0
	for _, seg := range segs {
		text := wrapText(seg.DisplayText(), p.MaxLineChars, p.MaxLines)
		if text == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTime(seg.StartMS), srtTime(seg.EndMS), text)
	}
	return b.String()
}

// BuildASS lays segments out as a minimal ASS document suitable for
// burn-in rendering.
func BuildASS(segs []model.Segment, p model.LayoutParams) string {
	var b strings.Builder
	b.WriteString("[Script Info]\nScriptType: v4.00+\nWrapStyle: 0\nPlayResX: 1920\nPlayResY: 1080\n\n")
	b.WriteString("[V4+ Styles]\nFormat: Name, Fontname, Fontsize, PrimaryColour, OutlineColour, BackColour, Bold, Outline, Shadow, Alignment, MarginL, MarginR, MarginV\n")
	b.WriteString("Style: Default,Noto Sans,56,&H00FFFFFF,&H00000000,&H64000000,0,2,1,2,40,40,40\n\n")
	b.WriteString("[Events]\nFormat: Layer, Start, End, Style, Text\n")
	for _, seg := range segs {
		text := wrapText(seg.DisplayText(), p.MaxLineChars, p.MaxLines)
		if text == "" {
			continue
		}
		text = strings.ReplaceAll(text, "\n", `\N`)
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,%s\n", assTime(seg.StartMS), assTime(seg.EndMS), text)
	}
	return b.String()
}

func srtTime(ms int64) string {
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

func assTime(ms int64) string {
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, ms%1000/10)
}

// wrapText breaks a caption into at most maxLines lines of roughly
// maxChars runes, preferring word boundaries. Overflow beyond the line
// budget stays on the last line rather than being dropped.
func wrapText(text string, maxChars, maxLines int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	words := strings.Fields(text)
	var lines []string
	cur := ""
	for _, w := range words {
		switch {
		case cur == "":
			cur = w
		case len([]rune(cur))+1+len([]rune(w)) <= maxChars || len(lines) == maxLines-1:
			cur += " " + w
		default:
			lines = append(lines, cur)
			cur = w
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return strings.Join(lines, "\n")
}
