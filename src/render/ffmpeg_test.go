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

package render

import (
	"strings"
	"testing"
)

func TestContainerPathMapping(t *testing.T) {
	r := &FFmpegRunner{cfg: Config{WorkDir: "/var/lib/reelforge"}}

	got, err := r.containerPath("/var/lib/reelforge/abc/video.mp4")
	if err != nil {
		t.Fatalf("containerPath: %v", err)
	}
	if got != "/work/abc/video.mp4" {
		t.Fatalf("mapped to %q", got)
	}

	if _, err := r.containerPath("/etc/passwd"); err == nil {
		t.Fatal("path outside the work dir was accepted")
	}
}

func TestSubtitleFilter(t *testing.T) {
	if got := subtitleFilter("/work/t/subtitles.ass"); got != `ass='/work/t/subtitles.ass'` {
		t.Errorf("ass filter = %q", got)
	}
	if got := subtitleFilter("/work/t/subtitles.srt"); got != `subtitles='/work/t/subtitles.srt'` {
		t.Errorf("srt filter = %q", got)
	}
	got := subtitleFilter(`/work/it's:here.srt`)
	if strings.Contains(strings.TrimPrefix(got, "subtitles='"), "'h") {
		t.Errorf("quote not escaped: %q", got)
	}
	if !strings.Contains(got, `\:`) {
		t.Errorf("colon not escaped: %q", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 100); got != "short" {
		t.Errorf("tail short = %q", got)
	}
	if got := tail(strings.Repeat("a", 50)+"END", 3); got != "END" {
		t.Errorf("tail long = %q", got)
	}
}
