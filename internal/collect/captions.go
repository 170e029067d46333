package collect

import (
	"encoding/json"
	"encoding/xml"
	"html"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

// json3 is YouTube's native caption format: events in milliseconds, each
// holding text segments.
type json3Doc struct {
	Events []struct {
		TStartMs    int64 `json:"tStartMs"`
		DDurationMs int64 `json:"dDurationMs"`
		Segs        []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// parseJSON3 decodes a json3 caption document into transcript segments.
// Events without text (style windows, newline markers) are dropped.
func parseJSON3(raw []byte, videoID, lang, source string) ([]model.TranscriptSegment, error) {
	var doc json3Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "collect: parse json3 captions")
	}

	var segs []model.TranscriptSegment
	for _, ev := range doc.Events {
		var sb strings.Builder
		for _, s := range ev.Segs {
			sb.WriteString(s.UTF8)
		}
		text := strings.TrimSpace(strings.ReplaceAll(sb.String(), "\n", " "))
		if text == "" {
			continue
		}
		segs = append(segs, model.TranscriptSegment{
			VideoID:  videoID,
			Text:     text,
			Start:    float64(ev.TStartMs) / 1000,
			Duration: float64(ev.DDurationMs) / 1000,
			Source:   source,
			Language: lang,
		})
	}
	return segs, nil
}

// timedtextDoc is the legacy XML caption response.
type timedtextDoc struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start float64 `xml:"start,attr"`
		Dur   float64 `xml:"dur,attr"`
		Body  string  `xml:",chardata"`
	} `xml:"text"`
}

// parseTimedtext decodes the legacy timedtext XML format. Entities are
// double-encoded in the payload, so unescape twice.
func parseTimedtext(raw []byte, videoID, lang, source string) ([]model.TranscriptSegment, error) {
	var doc timedtextDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "collect: parse timedtext captions")
	}

	var segs []model.TranscriptSegment
	for _, t := range doc.Texts {
		text := strings.TrimSpace(html.UnescapeString(html.UnescapeString(t.Body)))
		text = strings.ReplaceAll(text, "\n", " ")
		if text == "" {
			continue
		}
		segs = append(segs, model.TranscriptSegment{
			VideoID:  videoID,
			Text:     text,
			Start:    t.Start,
			Duration: t.Dur,
			Source:   source,
			Language: lang,
		})
	}
	return segs, nil
}
