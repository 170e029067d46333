package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// readJSONL loads every record from a JSONL file. A missing file yields an
// empty slice: a stage that produced nothing writes nothing.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sink: open %s", path)
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, eris.Wrapf(err, "sink: parse line in %s", path)
		}
		out = append(out, rec)
	}
	return out, eris.Wrapf(sc.Err(), "sink: scan %s", path)
}

// ReadComments loads one sort mode's collected comments for a video.
func ReadComments(runDir, videoID string, sort model.SortMode) ([]model.Comment, error) {
	return readJSONL[model.Comment](filepath.Join(runDir, "comments", videoID+"_"+string(sort)+".jsonl"))
}

// ReadMergedComments loads the merged comment set for a video.
func ReadMergedComments(runDir, videoID string) ([]model.Comment, error) {
	return readJSONL[model.Comment](filepath.Join(runDir, "comments", videoID+"_merged.jsonl"))
}

// ReadSegments loads the raw transcript segments for a video.
func ReadSegments(runDir, videoID string) ([]model.TranscriptSegment, error) {
	return readJSONL[model.TranscriptSegment](filepath.Join(runDir, "transcripts", videoID+"_segments.jsonl"))
}

// ReadChunks loads the windowed transcript chunks for a video.
func ReadChunks(runDir, videoID string) ([]model.TranscriptChunk, error) {
	return readJSONL[model.TranscriptChunk](filepath.Join(runDir, "transcripts", videoID+"_chunks.jsonl"))
}
