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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"reelforge/src/blob"
	"reelforge/src/logging"
	"reelforge/src/model"
	"reelforge/src/store"
)

// putBytes stores a small in-memory artifact under a fresh generation key
// and records it. Object first, record second: a crash in between leaves an
// orphan object, never a dangling record.
func (s *Service) putBytes(ctx context.Context, task *model.Task, d blob.Domain, file string, kind model.ArtifactKind, contentType string, data []byte) (*model.Artifact, error) {
	key := blob.Key(d, task.ID, blob.GenerationName(file))
	sum := sha256.Sum256(data)
	if err := s.blob.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, model.Transientf(err, "store %s", key)
	}
	a := &model.Artifact{
		TaskID:     task.ID,
		Kind:       kind,
		StorageKey: key,
		SHA256:     hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(data)),
	}
	if err := s.store.AddArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// putFile streams a local file into the object store, hashing on the way.
func (s *Service) putFile(ctx context.Context, task *model.Task, d blob.Domain, file string, kind model.ArtifactKind, contentType, path string) (*model.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.Permanentf(err, "open %s", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, model.Permanentf(err, "stat %s", path)
	}
	key := blob.Key(d, task.ID, blob.GenerationName(file))
	h := sha256.New()
	if err := s.blob.Put(ctx, key, io.TeeReader(f, h), fi.Size(), contentType); err != nil {
		return nil, model.Transientf(err, "store %s", key)
	}
	a := &model.Artifact{
		TaskID:     task.ID,
		Kind:       kind,
		StorageKey: key,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		SizeBytes:  fi.Size(),
	}
	if err := s.store.AddArtifact(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// fetchToFile copies an artifact's object into dir and returns the local
// path.
func (s *Service) fetchToFile(ctx context.Context, a *model.Artifact, dir string) (string, error) {
	rc, err := s.blob.Get(ctx, a.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return "", model.Preconditionf("artifact object %s is missing", a.StorageKey)
		}
		return "", model.Transientf(err, "fetch %s", a.StorageKey)
	}
	defer rc.Close()
	path := filepath.Join(dir, filepath.Base(a.StorageKey))
	f, err := os.Create(path)
	if err != nil {
		return "", model.Permanentf(err, "create %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", model.Transientf(err, "fetch %s", a.StorageKey)
	}
	return path, nil
}

func (s *Service) latestSegments(ctx context.Context, task *model.Task) ([]model.Segment, error) {
	a, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactSegments)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Preconditionf("task %s has no transcript segments", task.ID)
	}
	if err != nil {
		return nil, err
	}
	rc, err := s.blob.Get(ctx, a.StorageKey)
	if err != nil {
		return nil, model.Transientf(err, "fetch %s", a.StorageKey)
	}
	defer rc.Close()
	var segs []model.Segment
	if err := json.NewDecoder(rc).Decode(&segs); err != nil {
		return nil, model.Permanentf(err, "decode segments %s", a.StorageKey)
	}
	return segs, nil
}

// workDir creates (and the caller removes) the per-task scratch directory.
func (s *Service) workDir(task *model.Task) (string, error) {
	dir := filepath.Join(s.cfg.WorkDir, task.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", model.Permanentf(err, "workdir %s", dir)
	}
	return dir, nil
}

// runIngest validates the source descriptor against the allow-list and
// records the source metadata artifact. External sources must match an
// enabled allow-list entry; unknown-license externals are rejected outright.
func (s *Service) runIngest(ctx context.Context, task *model.Task, run *model.StageRun) error {
	switch task.Source.Type {
	case model.SourceLocalUpload:
		if _, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactRawVideo); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.Preconditionf("local upload task %s has no raw video artifact", task.ID)
			}
			return err
		}
		meta, _ := json.Marshal(task.Source)
		_, err := s.putBytes(ctx, task, blob.DomainMeta, "source.json", model.ArtifactMetadata, "application/json", meta)
		return err
	case model.SourceExternalURL:
		entry, err := s.store.MatchSource(ctx, task.Source.URL)
		if errors.Is(err, store.ErrNotFound) {
			return model.Validationf("source url %q matches no enabled allow-list entry", task.Source.URL)
		}
		if err != nil {
			return err
		}
		if entry.License == model.LicenseUnknown {
			return model.Validationf("allow-list entry %q carries an unknown license", entry.URLPrefix)
		}
		meta, err := s.collab.Fetcher.FetchMetadata(ctx, task.Source.URL)
		if err != nil {
			return err
		}
		_, err = s.putBytes(ctx, task, blob.DomainMeta, "source.json", model.ArtifactMetadata, "application/json", meta)
		return err
	default:
		return model.Validationf("unknown source type %q", task.Source.Type)
	}
}

// runDownload fetches external media into the raw domain. Local uploads
// already have their raw video; the stage is a pass-through for them.
func (s *Service) runDownload(ctx context.Context, task *model.Task, run *model.StageRun) error {
	if task.Source.Type == model.SourceLocalUpload {
		return nil
	}
	dir, err := s.workDir(task)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	path, err := s.collab.Fetcher.Download(ctx, task.Source.URL, dir)
	if err != nil {
		return err
	}
	_, err = s.putFile(ctx, task, blob.DomainRaw, "video"+filepath.Ext(path), model.ArtifactRawVideo, "video/mp4", path)
	return err
}

func (s *Service) runExtractAudio(ctx context.Context, task *model.Task, run *model.StageRun) error {
	raw, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactRawVideo)
	if err != nil {
		return err
	}
	dir, err := s.workDir(task)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	videoPath, err := s.fetchToFile(ctx, raw, dir)
	if err != nil {
		return err
	}
	audioPath := filepath.Join(dir, "audio.wav")
	if err := s.collab.Media.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return err
	}
	_, err = s.putFile(ctx, task, blob.DomainWork, "audio.wav", model.ArtifactAudio, "audio/wav", audioPath)
	return err
}

func (s *Service) runTranscribe(ctx context.Context, task *model.Task, run *model.StageRun) error {
	var p model.ASRParams
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return model.Validationf("transcribe params: %v", err)
	}
	audio, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactAudio)
	if err != nil {
		return err
	}
	rc, err := s.blob.Get(ctx, audio.StorageKey)
	if err != nil {
		return model.Transientf(err, "fetch %s", audio.StorageKey)
	}
	defer rc.Close()
	segs, err := s.collab.Transcriber.Transcribe(ctx, rc, audio.SizeBytes, p, s.progressFn(ctx, run))
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return model.Permanentf(nil, "transcription produced no segments")
	}
	data, err := json.Marshal(segs)
	if err != nil {
		return err
	}
	_, err = s.putBytes(ctx, task, blob.DomainWork, "segments.json", model.ArtifactSegments, "application/json", data)
	return err
}

func (s *Service) runTranslate(ctx context.Context, task *model.Task, run *model.StageRun) error {
	var p model.TranslateParams
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return model.Validationf("translate params: %v", err)
	}
	segs, err := s.latestSegments(ctx, task)
	if err != nil {
		return err
	}
	out, summary, err := s.collab.Translator.Translate(ctx, segs, p)
	if err != nil {
		return err
	}
	if len(out) != len(segs) {
		return model.Permanentf(nil, "translation returned %d segments for %d inputs", len(out), len(segs))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := s.putBytes(ctx, task, blob.DomainWork, "segments.json", model.ArtifactSegments, "application/json", data); err != nil {
		return err
	}
	if summary != "" {
		if _, err := s.putBytes(ctx, task, blob.DomainLogs, "translate_summary.txt", model.ArtifactLog, "text/plain", []byte(summary)); err != nil {
			logging.Logf(slog.LevelWarn, "task %s: store translation summary: %v", task.ID, err)
		}
	}
	return nil
}

func (s *Service) runLayout(ctx context.Context, task *model.Task, run *model.StageRun) error {
	var p model.LayoutParams
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return model.Validationf("layout params: %v", err)
	}
	segs, err := s.latestSegments(ctx, task)
	if err != nil {
		return err
	}
	for _, format := range p.Formats {
		switch format {
		case "srt":
			doc := BuildSRT(segs, p)
			if _, err := s.putBytes(ctx, task, blob.DomainSub, "subtitles.srt", model.ArtifactSubtitleSRT, "application/x-subrip", []byte(doc)); err != nil {
				return err
			}
		case "ass":
			doc := BuildASS(segs, p)
			if _, err := s.putBytes(ctx, task, blob.DomainSub, "subtitles.ass", model.ArtifactSubtitleASS, "text/plain", []byte(doc)); err != nil {
				return err
			}
		}
	}
	return nil
}

// runRender burns or soft-muxes subtitles into the raw video. Burn-in
// prefers the ASS generation when layout produced one.
func (s *Service) runRender(ctx context.Context, task *model.Task, run *model.StageRun) error {
	var p model.RenderParams
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return model.Validationf("render params: %v", err)
	}
	raw, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactRawVideo)
	if err != nil {
		return err
	}
	sub, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactSubtitleASS)
	if errors.Is(err, store.ErrNotFound) {
		sub, err = s.store.LatestArtifact(ctx, task.ID, model.ArtifactSubtitleSRT)
	}
	if err != nil {
		return err
	}
	dir, err := s.workDir(task)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	videoPath, err := s.fetchToFile(ctx, raw, dir)
	if err != nil {
		return err
	}
	subPath, err := s.fetchToFile(ctx, sub, dir)
	if err != nil {
		return err
	}
	outPath := filepath.Join(dir, "rendered.mp4")
	job := RenderJob{
		VideoPath:    videoPath,
		SubtitlePath: subPath,
		OutPath:      outPath,
		Mode:         p.Mode,
		Codec:        p.Codec,
		CRF:          p.CRF,
	}
	if err := s.collab.Media.Render(ctx, job); err != nil {
		return err
	}
	_, err = s.putFile(ctx, task, blob.DomainFinal, "rendered.mp4", model.ArtifactRenderedVideo, "video/mp4", outPath)
	return err
}

// runFinalize verifies the review deliverables are actually retrievable
// before the task is parked for human review. Either subtitle variant
// counts; an ASS-only layout is as reviewable as an SRT one.
func (s *Service) runFinalize(ctx context.Context, task *model.Task, run *model.StageRun) error {
	groups := [][]model.ArtifactKind{{model.ArtifactSubtitleASS, model.ArtifactSubtitleSRT}}
	if task.Render {
		groups = append(groups, []model.ArtifactKind{model.ArtifactRenderedVideo})
	}
	for _, group := range groups {
		a, err := s.latestOfKinds(ctx, task.ID, group)
		if errors.Is(err, store.ErrNotFound) {
			return model.Preconditionf("task %s has no %s artifact to review", task.ID, kindsLabel(group))
		}
		if err != nil {
			return err
		}
		if _, err := s.blob.Stat(ctx, a.StorageKey); err != nil {
			if errors.Is(err, blob.ErrNotExist) {
				return model.Preconditionf("artifact object %s is missing", a.StorageKey)
			}
			return model.Transientf(err, "stat %s", a.StorageKey)
		}
	}
	return nil
}

// runPublish hands the deliverable to the publish connector. At most one
// external submission per task: once an external id is on record, every
// re-entry reconciles instead of resubmitting, and a submit whose outcome
// is unknown is reconciled before resubmission is ever allowed.
func (s *Service) runPublish(ctx context.Context, task *model.Task, run *model.StageRun) error {
	var p model.PublishParams
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return model.Validationf("publish params: %v", err)
	}
	if !task.Publish {
		return model.Preconditionf("task %s was created without publishing", task.ID)
	}
	if task.Source.License == model.LicenseUnknown {
		return model.Preconditionf("task %s has an unknown source license", task.ID)
	}
	if task.Source.Type == model.SourceExternalURL {
		entry, err := s.store.MatchSource(ctx, task.Source.URL)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !entry.Enabled) {
			return model.Preconditionf("source %q is no longer on the allow-list", task.Source.URL)
		}
		if err != nil {
			return err
		}
	}

	// Cross the review gate before touching the connector so a crash after
	// submit leaves the task in PUBLISHING, never back at APPROVED.
	if task.Status == model.TaskApproved {
		if err := s.store.TransitionTask(ctx, task.ID, model.TaskApproved, model.TaskPublishing); err != nil {
			if errors.Is(err, store.ErrStale) {
				return model.Conflictf("task %s left APPROVED before publish started", task.ID)
			}
			return err
		}
	}

	rec, err := s.store.GetPublishRecord(ctx, task.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rec != nil && rec.ExternalID != "" {
		return s.reconcilePublish(ctx, task, rec)
	}
	if rec != nil && rec.State == model.PublishSubmitting {
		// A prior submit died with its outcome unknown. Ask the destination
		// before daring a second submission.
		res, rerr := s.collab.Publisher.Reconcile(ctx, task.ID.String(), "")
		switch {
		case rerr == nil:
			rec.State = res.State
			rec.ExternalID = res.ExternalID
			rec.Response = res.Raw
			if err := s.store.PutPublishRecord(ctx, rec); err != nil {
				return err
			}
			return s.recordPublishResult(ctx, task, res)
		case errors.Is(rerr, ErrNoSubmission):
			// Safe to submit below.
		default:
			return rerr
		}
	}

	kind := model.ArtifactRawVideo
	if task.Render {
		kind = model.ArtifactRenderedVideo
	}
	video, err := s.store.LatestArtifact(ctx, task.ID, kind)
	if err != nil {
		return err
	}
	req := SubmitRequest{
		TaskID:   task.ID.String(),
		VideoKey: video.StorageKey,
		Title:    p.Title,
		Desc:     p.Desc,
		Tags:     p.Tags,
	}
	if req.Title == "" {
		req.Title = "reelforge " + task.ID.String()[:8]
	}
	if cover, err := s.store.LatestArtifact(ctx, task.ID, model.ArtifactCoverImage); err == nil {
		req.CoverKey = cover.StorageKey
	}

	if err := s.store.PutPublishRecord(ctx, &model.PublishRecord{
		TaskID: task.ID,
		State:  model.PublishSubmitting,
	}); err != nil {
		return err
	}
	res, err := s.collab.Publisher.Submit(ctx, req)
	if err != nil {
		// Outcome unknown: the submitting record forces a reconcile on the
		// next attempt instead of a blind resubmit.
		return err
	}
	if err := s.store.PutPublishRecord(ctx, &model.PublishRecord{
		TaskID:     task.ID,
		State:      res.State,
		ExternalID: res.ExternalID,
		Response:   res.Raw,
	}); err != nil {
		return err
	}
	return s.recordPublishResult(ctx, task, res)
}

func (s *Service) reconcilePublish(ctx context.Context, task *model.Task, rec *model.PublishRecord) error {
	res, err := s.collab.Publisher.Reconcile(ctx, task.ID.String(), rec.ExternalID)
	if err != nil {
		if errors.Is(err, ErrNoSubmission) {
			return model.Permanentf(nil, "destination lost submission %s for task %s", rec.ExternalID, task.ID)
		}
		return err
	}
	rec.State = res.State
	if res.ExternalID != "" {
		rec.ExternalID = res.ExternalID
	}
	rec.Response = res.Raw
	if err := s.store.PutPublishRecord(ctx, rec); err != nil {
		return err
	}
	return s.recordPublishResult(ctx, task, res)
}

// recordPublishResult stores the connector's answer as an artifact and
// decides whether the stage succeeded. A submission still in flight at the
// destination is a transient failure so the stage re-enters and reconciles
// again later.
func (s *Service) recordPublishResult(ctx context.Context, task *model.Task, res PublishResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if _, err := s.putBytes(ctx, task, blob.DomainMeta, "publish_result.json", model.ArtifactPublishResult, "application/json", data); err != nil {
		return err
	}
	switch res.State {
	case model.PublishDone, model.PublishSubmitted:
		return nil
	case model.PublishFailed:
		return model.Permanentf(nil, "destination rejected submission %s", res.ExternalID)
	default:
		return model.Transientf(nil, "submission %s is still %s at the destination", res.ExternalID, res.State)
	}
}

