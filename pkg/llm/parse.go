package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	codeFence  = regexp.MustCompile("```(?:json)?\\s*\\n?")
	jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)
	jsonArray  = regexp.MustCompile(`\[[\s\S]*\]`)
)

// ParseJSON extracts a JSON value from a model response, tolerating
// markdown code fences and surrounding prose.
func ParseJSON(text string, out any) error {
	text = strings.TrimSpace(codeFence.ReplaceAllString(text, ""))

	if err := json.Unmarshal([]byte(text), out); err == nil {
		return nil
	}
	if m := jsonObject.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), out); err == nil {
			return nil
		}
	}
	if m := jsonArray.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), out); err == nil {
			return nil
		}
	}
	return eris.Errorf("llm: could not parse JSON from response: %s", truncate(text, 200))
}
