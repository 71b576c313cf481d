// Package compiler turns capsule definitions into executable plans.
// Compilation runs a fixed pipeline: dependency resolution, flow
// transformation, security and resource extraction, plan construction,
// optimization and validation.
package compiler

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/anumate/enforcement-core/pkg/canonical"
)

// Capsule is the compilation input: a named automation with its tool
// allow-list, policy references and dependency specs.
type Capsule struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version" yaml:"version"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Automation  map[string]any `json:"automation" yaml:"automation"`

	Tools        []string       `json:"tools,omitempty" yaml:"tools,omitempty"`
	Policies     []string       `json:"policies,omitempty" yaml:"policies,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

const capsuleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "automation"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+"},
    "description": {"type": "string"},
    "automation": {"type": "object"},
    "tools": {"type": "array", "items": {"type": "string"}},
    "policies": {"type": "array", "items": {"type": "string"}},
    "dependencies": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"}
  }
}`

var capsuleSchema = jsonschema.MustCompileString("capsule.json", capsuleSchemaJSON)

// ParseCapsuleYAML decodes and structurally validates a capsule
// definition. The schema check runs before decoding into the struct so
// malformed definitions fail with a precise pointer.
func ParseCapsuleYAML(source []byte) (*Capsule, error) {
	var tree any
	if err := yaml.Unmarshal(source, &tree); err != nil {
		return nil, fmt.Errorf("parse capsule: %w", err)
	}
	if err := capsuleSchema.Validate(tree); err != nil {
		return nil, fmt.Errorf("validate capsule: %w", err)
	}

	var capsule Capsule
	if err := yaml.Unmarshal(source, &capsule); err != nil {
		return nil, fmt.Errorf("decode capsule: %w", err)
	}
	capsule.Name = canonical.Normalize(capsule.Name)
	capsule.Tools = canonical.NormalizeAll(capsule.Tools)
	return &capsule, nil
}

// Checksum computes the canonical content hash of the capsule. It
// becomes the plan's source_capsule_checksum.
func (c *Capsule) Checksum() (string, error) {
	content := map[string]any{
		"name":         c.Name,
		"version":      c.Version,
		"description":  c.Description,
		"automation":   c.Automation,
		"tools":        sortedCopy(c.Tools),
		"policies":     sortedCopy(c.Policies),
		"dependencies": sortedCopy(c.Dependencies),
		"metadata":     c.Metadata,
	}
	return canonical.Hash(canonical.Scrub(content))
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func (c *Capsule) metaString(key string) string {
	if v, ok := c.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func (c *Capsule) metaBool(key string) bool {
	v, _ := c.Metadata[key].(bool)
	return v
}

func (c *Capsule) metaStrings(key string) []string {
	return anyStrings(c.Metadata[key])
}

func (c *Capsule) metaMap(key string) map[string]any {
	if v, ok := c.Metadata[key].(map[string]any); ok {
		return v
	}
	return nil
}

func anyStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
