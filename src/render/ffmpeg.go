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

// Package render runs ffmpeg inside a disposable Docker container. The
// worker host never needs ffmpeg installed; the container image pins the
// version, and a reaper removes the container after idle timeout.
package render

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/stage"
)

const containerWorkDir = "/work"

type Config struct {
	Image       string  // ffmpeg image, e.g. linuxserver/ffmpeg
	WorkDir     string  // host directory bind-mounted into the container
	MemoryMB    int64
	CPULimit    float64
	IdleTimeout time.Duration
}

func (c *Config) fill() {
	if c.Image == "" {
		c.Image = "linuxserver/ffmpeg:latest"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 2
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
}

// FFmpegRunner keeps one warm ffmpeg container and execs jobs into it.
// Container startup costs seconds; transcodes arrive in bursts, so the
// container stays alive between jobs and the reaper removes it when idle.
type FFmpegRunner struct {
	cli *client.Client
	cfg Config

	mu         sync.Mutex
	activeID   string
	lastUsedAt time.Time
}

func NewFFmpegRunner(cli *client.Client, cfg Config) *FFmpegRunner {
	cfg.fill()
	return &FFmpegRunner{cli: cli, cfg: cfg}
}

func (r *FFmpegRunner) getOrCreateContainer(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeID != "" {
		inspect, err := r.cli.ContainerInspect(ctx, r.activeID)
		if err == nil && inspect.State.Running {
			r.lastUsedAt = time.Now()
			return r.activeID, nil
		}
		r.activeID = ""
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.cfg.Image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Tty:        false,
		Labels:     map[string]string{"reelforge.role": "ffmpeg"},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(r.cfg.CPULimit * math.Pow10(9)),
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: r.cfg.WorkDir,
			Target: containerWorkDir,
		}},
		NetworkMode: "none",
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create ffmpeg container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start ffmpeg container: %w", err)
	}

	r.activeID = resp.ID
	r.lastUsedAt = time.Now()
	logging.Logf(slog.LevelInfo, "new ffmpeg container %s", resp.ID[:12])
	return r.activeID, nil
}

// containerPath maps a host path under WorkDir to its bind-mounted location.
func (r *FFmpegRunner) containerPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(r.cfg.WorkDir, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the work directory", hostPath)
	}
	return filepath.ToSlash(filepath.Join(containerWorkDir, rel)), nil
}

func (r *FFmpegRunner) exec(ctx context.Context, args []string) error {
	containerID, err := r.getOrCreateContainer(ctx)
	if err != nil {
		return model.Transientf(err, "ffmpeg container unavailable")
	}

	execCreate, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          append([]string{"ffmpeg", "-hide_banner", "-y"}, args...),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return model.Transientf(err, "create ffmpeg exec")
	}
	attach, err := r.cli.ContainerExecAttach(ctx, execCreate.ID, container.ExecStartOptions{})
	if err != nil {
		return model.Transientf(err, "attach ffmpeg exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return model.Transientf(err, "read ffmpeg output")
		}
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return model.Transientf(err, "inspect ffmpeg exec")
	}
	if inspect.ExitCode != 0 {
		// A bad input file will fail identically on every retry.
		return model.Permanentf(nil, "ffmpeg exited %d: %s", inspect.ExitCode, tail(stderr.String(), 2048))
	}

	r.mu.Lock()
	r.lastUsedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *FFmpegRunner) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	in, err := r.containerPath(videoPath)
	if err != nil {
		return model.Permanentf(err, "extract audio")
	}
	out, err := r.containerPath(audioPath)
	if err != nil {
		return model.Permanentf(err, "extract audio")
	}
	return r.exec(ctx, []string{
		"-i", in,
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		out,
	})
}

func (r *FFmpegRunner) Render(ctx context.Context, job stage.RenderJob) error {
	in, err := r.containerPath(job.VideoPath)
	if err != nil {
		return model.Permanentf(err, "render")
	}
	sub, err := r.containerPath(job.SubtitlePath)
	if err != nil {
		return model.Permanentf(err, "render")
	}
	out, err := r.containerPath(job.OutPath)
	if err != nil {
		return model.Permanentf(err, "render")
	}
	crf := job.CRF
	if crf <= 0 {
		crf = 23
	}
	codec := job.Codec
	if codec == "" {
		codec = "libx264"
	}

	switch job.Mode {
	case model.RenderModeSoftMux:
		return r.exec(ctx, []string{
			"-i", in,
			"-i", sub,
			"-c:v", "copy", "-c:a", "copy",
			"-c:s", "mov_text",
			"-metadata:s:s:0", "language=und",
			out,
		})
	default: // burn-in
		return r.exec(ctx, []string{
			"-i", in,
			"-vf", subtitleFilter(sub),
			"-c:v", codec, "-crf", strconv.Itoa(crf),
			"-c:a", "copy",
			out,
		})
	}
}

// subtitleFilter escapes the path for ffmpeg's filter syntax, where colons
// and quotes are delimiters.
func subtitleFilter(path string) string {
	esc := strings.ReplaceAll(path, `\`, `\\`)
	esc = strings.ReplaceAll(esc, ":", `\:`)
	esc = strings.ReplaceAll(esc, "'", `\'`)
	if strings.HasSuffix(strings.ToLower(path), ".ass") {
		return "ass='" + esc + "'"
	}
	return "subtitles='" + esc + "'"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// RunReaper removes the warm container after the idle timeout. Blocks until
// ctx is done.
func (r *FFmpegRunner) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.activeID != "" && time.Since(r.lastUsedAt) > r.cfg.IdleTimeout {
				id := r.activeID
				r.activeID = ""
				r.mu.Unlock()

				logging.Logf(slog.LevelInfo, "idle timeout for ffmpeg container %s, removing", id[:12])
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				r.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true})
				cancel()
			} else {
				r.mu.Unlock()
			}
		}
	}
}

// Cleanup force-removes the warm container, for shutdown.
func (r *FFmpegRunner) Cleanup(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != "" {
		logging.Logf(slog.LevelInfo, "removing ffmpeg container %s", r.activeID[:12])
		r.cli.ContainerRemove(ctx, r.activeID, container.RemoveOptions{Force: true})
		r.activeID = ""
	}
}

var _ stage.MediaProcessor = (*FFmpegRunner)(nil)
