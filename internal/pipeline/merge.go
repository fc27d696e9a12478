package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/backend"
	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/metrics"
	"github.com/ajitpratap0/frameconv/pkg/observability"
)

// tmpSuffix marks the sibling path a merged artifact is built at.
const tmpSuffix = ".tmp"

// MergeResult reports the outcome of MergeFiles.
type MergeResult struct {
	// Path is the final artifact
	Path        string
	Fingerprint string
	// UpToDate is set when an artifact with the same fingerprint already
	// existed and nothing was rewritten
	UpToDate bool
	Manifest *backend.MergedManifest
	Duration time.Duration
}

// MergeFiles merges the partial artifacts in the output directory into one
// artifact at destination. It must not run while Convert is running.
//
// Batches are merged in index order. Each batch's event indices are offset
// by the number of events of the batches merged before it. Failed batches
// are left out; incomplete batches are merged. Both, and batches of the run
// plan that left no artifact, are listed in the merged manifest, which is
// then marked incomplete. The artifact is built at a temporary sibling path
// and renamed into place, so an error never leaves a final artifact behind.
func (c *Converter) MergeFiles(ctx context.Context, destination string) (*MergeResult, error) {
	timer := metrics.NewTimer("merge")
	ctx, span := observability.StartSpan(ctx, "merge")
	defer span.End()

	res, err := c.merge(ctx, destination)
	if err != nil {
		span.Fail(err)
		c.logger.Error("merge failed", zap.String("destination", destination), zap.Error(err))
		return nil, err
	}
	res.Duration = timer.Stop()
	if !res.UpToDate {
		metrics.MergeDuration.WithLabelValues(c.factory.Kind()).Observe(res.Duration.Seconds())
	}
	span.SetAttribute("up_to_date", res.UpToDate)
	span.SetAttribute("events", res.Manifest.Events)

	c.logger.Info("merge finished",
		zap.String("path", res.Path),
		zap.Bool("up_to_date", res.UpToDate),
		zap.Bool("complete", res.Manifest.Complete),
		zap.Int64("events", res.Manifest.Events),
		zap.Strings("incomplete", res.Manifest.Incomplete),
		zap.Strings("failed", res.Manifest.Failed),
		zap.Strings("missing", res.Manifest.Missing),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (c *Converter) merge(ctx context.Context, destination string) (*MergeResult, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "merge destination is required")
	}

	parts, manifest, err := c.planMerge()
	if err != nil {
		return nil, err
	}
	if !manifest.Complete {
		c.logger.Warn("merging incomplete set of batches",
			zap.Strings("incomplete", manifest.Incomplete),
			zap.Strings("failed", manifest.Failed),
			zap.Strings("missing", manifest.Missing))
		if c.cfg.Merge.FailOnIncomplete {
			return nil, errors.New(errors.ErrorTypeMergeIntegrity, "some batches are incomplete, failed or missing").
				WithDetail("incomplete", manifest.Incomplete).
				WithDetail("failed", manifest.Failed).
				WithDetail("missing", manifest.Missing)
		}
	}
	if len(parts) == 0 {
		return nil, errors.New(errors.ErrorTypeMergeIntegrity, "no partial artifacts to merge").
			WithDetail("path", c.cfg.OutputDir)
	}

	fp, err := c.fingerprint(parts, manifest)
	if err != nil {
		return nil, err
	}
	manifest.Fingerprint = fp

	final := c.factory.FinalPath(destination)
	res := &MergeResult{Path: final, Fingerprint: fp, Manifest: manifest}

	existing, err := c.existingArtifact(final)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Fingerprint == fp && !c.cfg.Merge.Force {
		c.logger.Info("merged artifact is up to date", zap.String("path", final), zap.String("fingerprint", fp))
		res.UpToDate = true
		res.Manifest = existing
		return res, nil
	}

	tmp := final + tmpSuffix
	opts := backend.OptionsFromConfig(c.cfg.Backend, c.logger)
	if _, err := c.factory.Merge(ctx, parts, tmp, manifest, opts); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}
	if existing != nil {
		if err := os.RemoveAll(final); err != nil {
			_ = os.RemoveAll(tmp)
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "removing previous merged artifact").WithDetail("path", final)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "moving merged artifact into place").WithDetail("path", final)
	}
	return res, nil
}

// existingArtifact returns the manifest of the merged artifact at final. A
// path that exists but holds something else is refused rather than replaced.
func (c *Converter) existingArtifact(final string) (*backend.MergedManifest, error) {
	info, err := os.Stat(final)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "inspecting merge destination").WithDetail("path", final)
	}
	m, err := c.factory.ReadMerged(final)
	if err == nil && m != nil {
		return m, nil
	}
	if info.IsDir() {
		if entries, _ := os.ReadDir(final); len(entries) == 0 {
			return nil, os.Remove(final)
		}
	}
	return nil, errors.New(errors.ErrorTypeConfig, "merge destination exists and is not a merged artifact").
		WithDetail("path", final)
}

// planMerge pairs the artifacts in the output directory with the run plan and
// computes event offsets.
func (c *Converter) planMerge() ([]backend.Part, *backend.MergedManifest, error) {
	artifacts, err := c.factory.Discover(c.cfg.OutputDir)
	if err != nil {
		return nil, nil, err
	}
	plan, err := ReadRunPlan(c.cfg.OutputDir)
	if err != nil {
		return nil, nil, err
	}

	byName := make(map[string]backend.Artifact, len(artifacts))
	byIndex := make(map[int]string, len(artifacts))
	var unreadable []backend.Artifact
	for _, a := range artifacts {
		if a.Err != nil {
			unreadable = append(unreadable, a)
			continue
		}
		m := a.Manifest
		if _, dup := byName[m.Batch]; dup {
			return nil, nil, errors.Newf(errors.ErrorTypeMergeIntegrity, "batch %q has more than one artifact", m.Batch)
		}
		if other, dup := byIndex[m.Index]; dup {
			return nil, nil, errors.Newf(errors.ErrorTypeMergeIntegrity, "batches %q and %q share index %d", other, m.Batch, m.Index)
		}
		if m.Backend != c.factory.Kind() {
			return nil, nil, errors.Newf(errors.ErrorTypeMergeIntegrity, "batch %q was written by the %s backend", m.Batch, m.Backend)
		}
		byName[m.Batch] = a
		byIndex[m.Index] = m.Batch
	}

	type slot struct {
		index int
		name  string
	}
	var slots []slot
	if plan != nil {
		for _, b := range plan.Batches {
			slots = append(slots, slot{b.Index, b.Name})
		}
		for name := range byName {
			if !plan.has(name) {
				c.logger.Warn("ignoring artifact of a batch outside the run plan", zap.String("batch", name))
			}
		}
	} else {
		for name, a := range byName {
			slots = append(slots, slot{a.Manifest.Index, name})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })

	manifest := &backend.MergedManifest{Backend: c.factory.Kind()}
	var parts []backend.Part
	var offset int64
	for _, s := range slots {
		a, ok := byName[s.name]
		if !ok {
			manifest.Missing = append(manifest.Missing, s.name)
			continue
		}
		m := a.Manifest
		mb := backend.MergedBatch{Name: m.Batch, Index: m.Index, Status: m.Status, Events: m.Events, Offset: offset}
		switch m.Status {
		case backend.StatusFailed:
			manifest.Failed = append(manifest.Failed, m.Batch)
			mb.Offset = 0
			manifest.Batches = append(manifest.Batches, mb)
			continue
		case backend.StatusIncomplete:
			manifest.Incomplete = append(manifest.Incomplete, m.Batch)
		}
		manifest.Batches = append(manifest.Batches, mb)
		parts = append(parts, backend.Part{Artifact: a, Offset: offset})
		offset += m.Events
	}
	for _, a := range unreadable {
		c.logger.Warn("artifact has no readable manifest", zap.String("path", a.Path), zap.Error(a.Err))
		name := artifactName(a.Path)
		if plan == nil || !plan.has(name) {
			manifest.Failed = append(manifest.Failed, name)
			continue
		}
		// counted as failed rather than missing
		for i, m := range manifest.Missing {
			if m == name {
				manifest.Missing = append(manifest.Missing[:i], manifest.Missing[i+1:]...)
				manifest.Failed = append(manifest.Failed, name)
				break
			}
		}
	}
	sort.Strings(manifest.Failed)
	manifest.Events = offset
	manifest.Complete = len(manifest.Incomplete) == 0 && len(manifest.Failed) == 0 && len(manifest.Missing) == 0
	return parts, manifest, nil
}

func (p *RunPlan) has(name string) bool {
	for _, b := range p.Batches {
		if b.Name == name {
			return true
		}
	}
	return false
}

func artifactName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// fingerprint hashes everything the merged artifact is derived from: the
// partial manifests, their offsets, the merge plan and the output options.
func (c *Converter) fingerprint(parts []backend.Part, manifest *backend.MergedManifest) (string, error) {
	type input struct {
		Offset   int64             `json:"offset"`
		Manifest *backend.Manifest `json:"manifest"`
	}
	doc := struct {
		Backend     string   `json:"backend"`
		Compression string   `json:"compression"`
		Parts       []input  `json:"parts"`
		Incomplete  []string `json:"incomplete"`
		Failed      []string `json:"failed"`
		Missing     []string `json:"missing"`
	}{
		Backend:     c.factory.Kind(),
		Compression: c.cfg.Backend.Compression,
		Incomplete:  manifest.Incomplete,
		Failed:      manifest.Failed,
		Missing:     manifest.Missing,
	}
	for _, p := range parts {
		doc.Parts = append(doc.Parts, input{Offset: p.Offset, Manifest: p.Manifest})
	}
	data, err := backend.Encode(doc)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding merge fingerprint")
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data)), nil
}
