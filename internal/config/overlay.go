package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v2"
)

// OverlayDiff describes one overlay patch as applied: the dotted path, the
// value it held before the patch (raw JSON text, "" if absent), and the raw
// JSON value it was overlaid with.
type OverlayDiff struct {
	Path     string
	Previous string
	New      string
}

// LoadWithOverlay loads the base YAML configuration at path, then applies a
// set of dotted-path JSON patches on top of it before defaults/validation
// run. Overlay keys use gjson/sjson path syntax (e.g. "server.listen",
// "waf.audit_log.enabled") and values are raw JSON literals (e.g. `true`,
// `"0.0.0.0:9443"`). This lets operators tweak a handful of fields at
// deploy time — via env-injected flags, say — without forking the whole
// config file.
func LoadWithOverlay(path string, overlay map[string]string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if len(overlay) == 0 {
		return parseAndFinalize(data, path)
	}

	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(generic))
	if err != nil {
		return nil, fmt.Errorf("converting config %s to JSON for overlay: %w", path, err)
	}

	diffs := make([]OverlayDiff, 0, len(overlay))
	for patchPath, rawValue := range overlay {
		// gjson reads the pre-patch value at this path so operators can see
		// exactly what an overlay changed, not just what it set it to.
		previous := gjson.GetBytes(jsonBytes, patchPath).Raw
		diffs = append(diffs, OverlayDiff{Path: patchPath, Previous: previous, New: rawValue})

		jsonBytes, err = sjson.SetRawBytes(jsonBytes, patchPath, []byte(rawValue))
		if err != nil {
			return nil, fmt.Errorf("applying overlay %q: %w", patchPath, err)
		}
	}

	var patched map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &patched); err != nil {
		return nil, fmt.Errorf("re-reading patched config: %w", err)
	}

	yamlBytes, err := yaml.Marshal(patched)
	if err != nil {
		return nil, fmt.Errorf("re-encoding patched config: %w", err)
	}

	cfg, err := parseAndFinalize(yamlBytes, path)
	if err != nil {
		return nil, err
	}
	cfg.AppliedOverlays = diffs
	return cfg, nil
}

// normalizeYAML recursively converts yaml.v2's map[interface{}]interface{}
// nodes into map[string]interface{}, the shape encoding/json requires.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, v := range val {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return val
	}
}
