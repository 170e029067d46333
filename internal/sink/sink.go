// Package sink writes run outputs under the run directory: append-only
// JSONL corpora, immutable failure documents, the discovery manifest, and
// the run manifest.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vidlab-io/corpus-cli/internal/discovery"
	"github.com/vidlab-io/corpus-cli/internal/model"
)

// Sink owns all file output for one run. JSONL files are opened in append
// mode and kept open for the run's lifetime; Close releases them.
type Sink struct {
	mu     sync.Mutex
	runDir string
	files  map[string]*os.File
}

// New creates a sink rooted at runDir, creating the directory if needed.
func New(runDir string) (*Sink, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "sink: create run dir")
	}
	return &Sink{runDir: runDir, files: map[string]*os.File{}}, nil
}

// RunDir returns the run directory this sink writes into.
func (s *Sink) RunDir() string {
	return s.runDir
}

// Close closes all open output files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for rel, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "sink: close %s", rel)
		}
		delete(s.files, rel)
	}
	return firstErr
}

// appendJSONL marshals v and appends it as one line to the file at rel,
// opening it on first use.
func (s *Sink) appendJSONL(rel string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[rel]
	if !ok {
		path := filepath.Join(s.runDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return eris.Wrapf(err, "sink: create dir for %s", rel)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return eris.Wrapf(err, "sink: open %s", rel)
		}
		s.files[rel] = f
	}

	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "sink: marshal record for %s", rel)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return eris.Wrapf(err, "sink: append %s", rel)
	}
	return nil
}

// WriteComments appends one sort mode's comments for a video.
func (s *Sink) WriteComments(videoID string, sort model.SortMode, comments []model.Comment) error {
	rel := filepath.Join("comments", fmt.Sprintf("%s_%s.jsonl", videoID, sort))
	for _, c := range comments {
		if err := s.appendJSONL(rel, c); err != nil {
			return err
		}
	}
	return nil
}

// WriteMergedComments appends the deduplicated cross-sort comment set.
func (s *Sink) WriteMergedComments(videoID string, comments []model.Comment) error {
	rel := filepath.Join("comments", videoID+"_merged.jsonl")
	for _, c := range comments {
		if err := s.appendJSONL(rel, c); err != nil {
			return err
		}
	}
	return nil
}

// WriteSegments appends raw transcript segments for a video.
func (s *Sink) WriteSegments(videoID string, segs []model.TranscriptSegment) error {
	rel := filepath.Join("transcripts", videoID+"_segments.jsonl")
	for _, seg := range segs {
		if err := s.appendJSONL(rel, seg); err != nil {
			return err
		}
	}
	return nil
}

// WriteChunks appends windowed transcript chunks for a video.
func (s *Sink) WriteChunks(videoID string, chunks []model.TranscriptChunk) error {
	rel := filepath.Join("transcripts", videoID+"_chunks.jsonl")
	for _, ch := range chunks {
		if err := s.appendJSONL(rel, ch); err != nil {
			return err
		}
	}
	return nil
}

// WriteEnrichment appends one enrichment output row to its stage file.
func (s *Sink) WriteEnrichment(rec model.EnrichmentRecord) error {
	rel := filepath.Join("enrich", rec.Stage+".jsonl")
	return s.appendJSONL(rel, rec)
}

// WriteDiscovered appends one discovered video to the discovery manifest.
func (s *Sink) WriteDiscovered(d discovery.Discovered) error {
	return s.appendJSONL(filepath.Join("discovery", "discovered_videos.jsonl"), d)
}

// WriteReport writes the per-unit stage report, replacing any previous one.
func (s *Sink) WriteReport(videoID string, report any) error {
	dir := filepath.Join(s.runDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "sink: create reports dir")
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sink: marshal report")
	}
	path := filepath.Join(dir, videoID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "sink: write report")
	}
	return nil
}

// WriteFailure writes one failure document with a deterministic name.
// Failure documents are created once and never mutated; a second failure
// for the same (stage, video) leaves the original in place.
func (s *Sink) WriteFailure(rec model.FailureRecord) error {
	dir := filepath.Join(s.runDir, "failures")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "sink: create failures dir")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", rec.Stage, rec.VideoID))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			zap.L().Debug("sink: failure document already exists, keeping original",
				zap.String("path", path),
			)
			return nil
		}
		return eris.Wrap(err, "sink: create failure document")
	}
	defer f.Close()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sink: marshal failure document")
	}
	if _, err := f.Write(data); err != nil {
		return eris.Wrap(err, "sink: write failure document")
	}
	return nil
}
