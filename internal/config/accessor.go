package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Paths use the JSON keys joined by dots, with list indices as segments:
// "knowledge.searchTopK", "embedding.candidates.0.model".

// secretKeys are masked by Sanitize wherever they appear.
var secretKeys = map[string]bool{"apiKey": true}

// tree returns cfg as generic JSON values.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromTree decodes m into cfg, rejecting keys the Config does not define.
func fromTree(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

func splitPath(path string) ([]string, error) {
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return keys, nil
}

func lookup(node any, keys []string) (any, error) {
	for i, key := range keys {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", strings.Join(keys[:i+1], "."))
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index %q at %s", key, strings.Join(keys[:i], "."))
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("%s is a %T, not a section", strings.Join(keys[:i], "."), node)
		}
	}
	return node, nil
}

// GetByPath returns the value at path (e.g. "jobs.maxAttempts").
func GetByPath(cfg *Config, path string) (any, error) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	return lookup(m, keys)
}

// SetByPath parses raw according to the type of the value currently at path
// and stores it. Keys the Config does not define are rejected;
// "llm.providers.<name>.<field>" may introduce a new provider.
func SetByPath(cfg *Config, path string, raw string) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	if len(keys) == 4 && keys[0] == "llm" && keys[1] == "providers" {
		providers, _ := m["llm"].(map[string]any)["providers"].(map[string]any)
		if providers == nil {
			providers = map[string]any{}
			m["llm"].(map[string]any)["providers"] = providers
		}
		if _, ok := providers[keys[2]]; !ok {
			providers[keys[2]] = map[string]any{}
		}
	}

	parent, err := lookup(m, keys[:len(keys)-1])
	if err != nil {
		return err
	}
	last := keys[len(keys)-1]

	var (
		store   func(any)
		guessed bool
	)
	switch p := parent.(type) {
	case map[string]any:
		old, ok := p[last]
		guessed = !ok || old == nil
		v, err := convert(old, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		store = func(v any) { p[last] = v }
		store(v)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(p) {
			return fmt.Errorf("invalid list index %q in %s", last, path)
		}
		v, err := convert(p[idx], raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		p[idx] = v
	default:
		return fmt.Errorf("%s is not a section", strings.Join(keys[:len(keys)-1], "."))
	}

	err = fromTree(m, cfg)
	if err != nil && guessed {
		// An omitted field has no value to infer the type from; a string
		// field may hold "true" or digits.
		store(raw)
		err = fromTree(m, cfg)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// convert parses raw into the JSON type of old. A nil old guesses the type.
func convert(old any, raw string) (any, error) {
	switch o := old.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case string:
		return raw, nil
	case []any:
		for _, e := range o {
			if _, ok := e.(string); !ok {
				return nil, fmt.Errorf("only lists of strings can be set; set elements by index")
			}
		}
		return splitList(raw), nil
	case map[string]any:
		return nil, fmt.Errorf("is a section; set one of its keys")
	case nil:
		return guess(raw), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", old)
}

// splitList parses "a, b,c" into a list. An empty string clears it.
func splitList(raw string) []any {
	out := []any{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func guess(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Sanitize returns a copy of the config with every secret masked.
func Sanitize(cfg *Config) *Config {
	m, err := tree(cfg)
	if err != nil {
		return cfg
	}
	maskSecrets(m)
	var masked Config
	if err := fromTree(m, &masked); err != nil {
		return cfg
	}
	return &masked
}

func maskSecrets(node any) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if s, ok := child.(string); ok && secretKeys[k] && s != "" {
				v[k] = maskString(s)
				continue
			}
			maskSecrets(child)
		}
	case []any:
		for _, child := range v {
			maskSecrets(child)
		}
	}
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value. Lists of
// strings are one path; lists of sections are expanded by index.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flatten("", m, result)
	return result
}

func flatten(prefix string, node any, result map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, result)
		}
	case []any:
		sections := len(v) > 0
		for _, child := range v {
			if _, ok := child.(map[string]any); !ok {
				sections = false
			}
		}
		if !sections {
			result[prefix] = v
			return
		}
		for i, child := range v {
			flatten(join(strconv.Itoa(i)), child, result)
		}
	default:
		result[prefix] = v
	}
}
