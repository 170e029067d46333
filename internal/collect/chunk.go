package collect

import (
	"strings"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// ChunkConfig shapes transcript chunking. Zero values fall back to the
// defaults below.
type ChunkConfig struct {
	// WindowSeconds is the target duration of one chunk. Default: 60.
	WindowSeconds float64
	// OverlapSeconds is how far the next window reaches back into the
	// previous one. Default: 10.
	OverlapSeconds float64
	// MaxChars hard-caps a chunk's text length; a window that exceeds it is
	// split early. Default: 4000.
	MaxChars int
}

func (c ChunkConfig) withDefaults() ChunkConfig {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.OverlapSeconds < 0 || c.OverlapSeconds >= c.WindowSeconds {
		c.OverlapSeconds = 10
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 4000
	}
	return c
}

// ChunkSegments groups raw caption segments into overlapping time windows.
// Segments are assumed to be in start order, as every caption source emits
// them. Empty input yields no chunks.
func ChunkSegments(segs []model.TranscriptSegment, cfg ChunkConfig) []model.TranscriptChunk {
	cfg = cfg.withDefaults()
	if len(segs) == 0 {
		return nil
	}

	var chunks []model.TranscriptChunk
	i := 0
	for i < len(segs) {
		windowStart := segs[i].Start
		windowEnd := windowStart + cfg.WindowSeconds

		var parts []string
		chars := 0
		end := windowStart
		j := i
		for ; j < len(segs); j++ {
			seg := segs[j]
			if seg.Start >= windowEnd && len(parts) > 0 {
				break
			}
			if chars+len(seg.Text)+1 > cfg.MaxChars && len(parts) > 0 {
				break
			}
			parts = append(parts, seg.Text)
			chars += len(seg.Text) + 1
			if segEnd := seg.Start + seg.Duration; segEnd > end {
				end = segEnd
			}
		}

		chunks = append(chunks, model.TranscriptChunk{
			VideoID:    segs[i].VideoID,
			ChunkIndex: len(chunks),
			Text:       strings.Join(parts, " "),
			Start:      windowStart,
			End:        end,
			Source:     segs[i].Source,
			Language:   segs[i].Language,
		})

		if j >= len(segs) {
			break
		}

		// Step the window forward, then back up to include the overlap.
		nextStart := segs[j].Start - cfg.OverlapSeconds
		k := j
		for k > i && segs[k-1].Start >= nextStart {
			k--
		}
		if k <= i {
			k = j // overlap would rescan the whole window
		}
		i = k
	}
	return chunks
}
