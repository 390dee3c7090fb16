package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/titanous/json5"
)

// Set assigns value to the dotted key (e.g. "bridge.rate_limit_rpm").
// Non-string fields parse value as a JSON5 literal, so "true" and "30"
// work unquoted.
func (c *Config) Set(key, value string) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	m := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config key %q", key)
		}
		m = next
	}
	leaf := parts[len(parts)-1]
	cur, ok := m[leaf]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if _, isSection := cur.(map[string]any); isSection {
		return fmt.Errorf("%q is a section, not a value", key)
	}

	if _, isString := cur.(string); isString {
		m[leaf] = value
	} else {
		var v any
		if err := json5.Unmarshal([]byte(value), &v); err != nil {
			return fmt.Errorf("%s: invalid value %q: %w", key, value, err)
		}
		m[leaf] = v
	}

	data, err = json.Marshal(root)
	if err != nil {
		return err
	}
	next := Default()
	if err := json.Unmarshal(data, next); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = *next
	return nil
}
