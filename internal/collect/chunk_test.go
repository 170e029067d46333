package collect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

func seg(start, dur float64, text string) model.TranscriptSegment {
	return model.TranscriptSegment{
		VideoID:  "vid0000000A",
		Text:     text,
		Start:    start,
		Duration: dur,
		Source:   "manual",
		Language: "en",
	}
}

func TestChunkSegments_Empty(t *testing.T) {
	assert.Nil(t, ChunkSegments(nil, ChunkConfig{}))
}

func TestChunkSegments_SingleWindow(t *testing.T) {
	segs := []model.TranscriptSegment{
		seg(0, 3, "one"),
		seg(3, 3, "two"),
		seg(6, 3, "three"),
	}
	chunks := ChunkSegments(segs, ChunkConfig{WindowSeconds: 60})

	require.Len(t, chunks, 1)
	assert.Equal(t, "one two three", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 0.0, chunks[0].Start)
	assert.Equal(t, 9.0, chunks[0].End)
	assert.Equal(t, "vid0000000A", chunks[0].VideoID)
}

func TestChunkSegments_WindowsOverlap(t *testing.T) {
	var segs []model.TranscriptSegment
	for i := 0; i < 20; i++ {
		segs = append(segs, seg(float64(i*10), 10, "cue"))
	}
	chunks := ChunkSegments(segs, ChunkConfig{WindowSeconds: 60, OverlapSeconds: 10})

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].Start, chunks[i-1].End,
			"chunk %d should reach back into chunk %d", i, i-1)
		assert.Equal(t, i, chunks[i].ChunkIndex)
	}
}

func TestChunkSegments_CharCapSplitsEarly(t *testing.T) {
	long := strings.Repeat("x", 300)
	segs := []model.TranscriptSegment{
		seg(0, 5, long),
		seg(5, 5, long),
		seg(10, 5, long),
	}
	chunks := ChunkSegments(segs, ChunkConfig{WindowSeconds: 600, MaxChars: 500})

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 500)
	}
}

func TestChunkSegments_CoversAllText(t *testing.T) {
	var segs []model.TranscriptSegment
	for i := 0; i < 50; i++ {
		segs = append(segs, seg(float64(i*7), 7, "cue"))
	}
	chunks := ChunkSegments(segs, ChunkConfig{WindowSeconds: 45, OverlapSeconds: 5})

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, segs[len(segs)-1].Start+7, last.End, "final segment must land in a chunk")
}

func TestMergeComments_DedupesAcrossSorts(t *testing.T) {
	top := []model.Comment{
		{CommentID: "a", Text: "first", SortMode: model.SortTop},
		{CommentID: "b", Text: "second", SortMode: model.SortTop},
	}
	newest := []model.Comment{
		{CommentID: "b", Text: "second", SortMode: model.SortNewest},
		{CommentID: "c", Text: "third", SortMode: model.SortNewest},
	}

	merged := MergeComments(top, newest)

	require.Len(t, merged, 3)
	assert.Equal(t, model.SortTop, merged[1].SortMode, "first occurrence wins")
}

func TestMergeComments_KeepsIDless(t *testing.T) {
	a := []model.Comment{{Text: "no id"}, {Text: "also no id"}}
	b := []model.Comment{{Text: "still none"}}

	merged := MergeComments(a, b)
	assert.Len(t, merged, 3)
}
