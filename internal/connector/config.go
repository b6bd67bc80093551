package connector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Config is the opaque, runtime-dynamic configuration mapping handed to a
// connector. Typed accessors replace reflection; connectors validate the
// whole document against their schema in Init.
type Config map[string]any

// GetString returns the string at key, or def when absent or not a string.
func (c Config) GetString(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetInt returns the integer at key, accepting JSON/YAML numeric shapes.
func (c Config) GetInt(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetBool returns the boolean at key, or def.
func (c Config) GetBool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// GetDuration parses a Go duration string at key ("5s", "1m30s").
func (c Config) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := c[key].(string); ok && strings.TrimSpace(v) != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

// GetStringSlice returns the list of strings at key. Non-string members are
// skipped.
func (c Config) GetStringSlice(key string) []string {
	list, ok := c[key].([]any)
	if !ok {
		if ss, ok := c[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetMap returns the nested mapping at key, or nil.
func (c Config) GetMap(key string) Config {
	if m, ok := c[key].(map[string]any); ok {
		return Config(m)
	}
	return nil
}

// CompileSchema compiles an inline JSON-schema document.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		doc = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Validate checks the config against a compiled schema. The config is
// round-tripped through JSON so YAML-decoded values take their JSON shapes.
func (c Config) Validate(schema *jsonschema.Schema) error {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
