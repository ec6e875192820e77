package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decodeStrict fills cfg from a JSON or YAML document. YAML goes through
// JSON first so both formats reject unknown keys the same way.
func decodeStrict(path string, raw []byte, cfg *Config) error {
	doc := raw
	if isYAMLPath(path) {
		var tree any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return fmt.Errorf("%s: yaml: %w", path, err)
		}
		j, err := json.Marshal(jsonSafe(tree))
		if err != nil {
			return fmt.Errorf("%s: yaml to json: %w", path, err)
		}
		doc = j
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return fmt.Errorf("%s: trailing data after config document", path)
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// jsonSafe rewrites non-string YAML map keys (ints, bools) as strings.
func jsonSafe(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			var key string
			switch kk := k.(type) {
			case string:
				key = kk
			case int:
				key = strconv.Itoa(kk)
			default:
				key = fmt.Sprint(kk)
			}
			out[key] = jsonSafe(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = jsonSafe(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = jsonSafe(v)
		}
		return n
	}
	return node
}

// fingerprint identifies a config by content; 0 means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
