// Package policy implements the Standing Orders decision procedure: a
// pure function from (watch condition, tool, execution context, policy
// document) to a Decision with a closed reason code.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Guard is the per-tool guard record in the standing-orders document.
type Guard struct {
	ForegroundRequired  []string `json:"foreground_process_required,omitempty"`
	MinSTTConfidence    *float64 `json:"min_stt_confidence,omitempty"`
	RequiresConfirm     bool     `json:"requires_confirmation,omitempty"`
	RateLimitWindowSec  int      `json:"rate_limit_window_sec,omitempty"`
	RateLimitMaxCount   int      `json:"rate_limit_max_count,omitempty"`
	SafetyClass         string   `json:"safety_class"`
}

// ConditionRules are the allow/deny glob pattern lists for one watch
// condition.
type ConditionRules struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Document is the standing-orders document: condition name -> rules,
// tool name -> guard.
type Document struct {
	Conditions map[string]ConditionRules `json:"conditions"`
	Guards     map[string]Guard          `json:"guards"`
}

// documentSchemaJSON is the closed JSON Schema the standing-orders
// document must validate against before being accepted.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["conditions", "guards"],
  "properties": {
    "conditions": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "allow": {"type": "array", "items": {"type": "string"}},
          "deny": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "guards": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["safety_class"],
        "properties": {
          "foreground_process_required": {"type": "array", "items": {"type": "string"}},
          "min_stt_confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "requires_confirmation": {"type": "boolean"},
          "rate_limit_window_sec": {"type": "integer", "minimum": 0},
          "rate_limit_max_count": {"type": "integer", "minimum": 0},
          "safety_class": {"type": "string", "enum": ["read_only", "low_risk", "high_risk"]}
        }
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("standing_orders.schema.json", mustUnmarshalSchema(documentSchemaJSON)); err != nil {
		panic(fmt.Sprintf("policy: compile schema resource: %v", err))
	}
	sch, err := c.Compile("standing_orders.schema.json")
	if err != nil {
		panic(fmt.Sprintf("policy: compile schema: %v", err))
	}
	return sch
}()

func mustUnmarshalSchema(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		panic(err)
	}
	return v
}

// ParseDocument validates raw against the closed schema and decodes it.
// A malformed document is rejected without mutating the previously
// active document: the caller decides what "previous"
// means (see Engine.SetDocument in engine.go).
func ParseDocument(raw []byte) (Document, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Document{}, fmt.Errorf("standing orders: invalid json: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Document{}, fmt.Errorf("standing orders: schema violation: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("standing orders: decode: %w", err)
	}
	return doc, nil
}

// matchPattern supports a single trailing wildcard (ns.*) or an exact
// match.
func matchPattern(pattern, tool string) bool {
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(tool, prefix)
	}
	return pattern == tool
}

func matchesAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if matchPattern(p, tool) {
			return true
		}
	}
	return false
}
