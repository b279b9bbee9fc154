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
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"reelforge/src/model"
	"reelforge/src/stage"
)

// YTDLPFetcher shells out to yt-dlp for external sources. The binary is the
// compatibility layer; this wrapper only shapes arguments and classifies
// failures.
type YTDLPFetcher struct {
	Binary    string
	Format    string
	RateLimit string // yt-dlp --limit-rate value, e.g. "8M"
}

func NewYTDLPFetcher() *YTDLPFetcher {
	return &YTDLPFetcher{Binary: "yt-dlp", Format: "bv*[height<=1080]+ba/b[height<=1080]"}
}

func (f *YTDLPFetcher) bin() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "yt-dlp"
}

// CheckBinary reports whether yt-dlp is actually on PATH so startup can
// fail loudly instead of the first download stage failing quietly.
func (f *YTDLPFetcher) CheckBinary() error {
	if _, err := exec.LookPath(f.bin()); err != nil {
		return fmt.Errorf("yt-dlp is not installed or not on PATH: %w", err)
	}
	return nil
}

func (f *YTDLPFetcher) FetchMetadata(ctx context.Context, url string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.bin(), "--no-playlist", "-J", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classifyYTDLP(err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, model.Transientf(nil, "yt-dlp returned empty metadata for %s", url)
	}
	return stdout.Bytes(), nil
}

func (f *YTDLPFetcher) Download(ctx context.Context, url, destDir string) (string, error) {
	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"-f", f.Format,
		"--merge-output-format", "mp4",
		"-P", destDir,
		"-o", "source.%(ext)s",
	}
	if f.RateLimit != "" {
		args = append(args, "--limit-rate", f.RateLimit)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, f.bin(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classifyYTDLP(err, stderr.String())
	}

	matches, err := filepath.Glob(filepath.Join(destDir, "source.*"))
	if err != nil || len(matches) == 0 {
		return "", model.Permanentf(err, "yt-dlp finished but produced no file in %s", destDir)
	}
	return matches[0], nil
}

// classifyYTDLP decides retryability from the tool's stderr. Geo blocks,
// removed videos and format errors never heal on retry; network trouble
// does.
func classifyYTDLP(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"video unavailable", "private video", "has been removed",
		"not available in your country", "requested format is not available",
		"unsupported url",
	} {
		if strings.Contains(lower, marker) {
			return model.Permanentf(err, "yt-dlp: %s", msg)
		}
	}
	return model.Transientf(err, "yt-dlp: %s", msg)
}

var _ stage.Fetcher = (*YTDLPFetcher)(nil)
