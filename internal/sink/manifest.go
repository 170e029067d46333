package sink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/vidlab-io/corpus-cli/internal/model"
)

const manifestName = "manifest.json"

// WriteManifest persists the run manifest, replacing the previous flush.
// Write is temp+rename so a crash mid-flush cannot truncate the manifest.
func (s *Sink) WriteManifest(m model.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sink: marshal manifest")
	}

	path := filepath.Join(s.runDir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "sink: write manifest temp")
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrap(err, "sink: rename manifest")
	}
	return nil
}

// ReadManifest loads the run manifest from a run directory.
func ReadManifest(runDir string) (model.RunManifest, error) {
	var m model.RunManifest
	data, err := os.ReadFile(filepath.Join(runDir, manifestName))
	if err != nil {
		return m, eris.Wrap(err, "sink: read manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, eris.Wrap(err, "sink: parse manifest")
	}
	return m, nil
}

// secretKey matches config keys whose values must never reach disk.
var secretKey = regexp.MustCompile(`(?i)(api_?key|token|secret|password)`)

// WriteConfigSnapshot writes the resolved run configuration as YAML with
// secret values scrubbed, so a run directory can be shared for debugging.
func (s *Sink) WriteConfigSnapshot(cfg any) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sink: marshal config snapshot")
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return eris.Wrap(err, "sink: reparse config snapshot")
	}
	scrubbed, err := yaml.Marshal(scrubSecrets(tree))
	if err != nil {
		return eris.Wrap(err, "sink: marshal scrubbed snapshot")
	}

	path := filepath.Join(s.runDir, "config_snapshot.yaml")
	if err := os.WriteFile(path, scrubbed, 0o644); err != nil {
		return eris.Wrap(err, "sink: write config snapshot")
	}
	return nil
}

// scrubSecrets replaces values under secret-looking keys with "***",
// recursing through nested maps and lists. Empty values stay empty so a
// snapshot still shows which credentials were unset.
func scrubSecrets(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if secretKey.MatchString(k) {
				if str, ok := val.(string); ok && str != "" {
					out[k] = "***"
					continue
				}
			}
			out[k] = scrubSecrets(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = scrubSecrets(item)
		}
		return out
	default:
		return node
	}
}
