package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// bodySchemas holds one compiled, closed (additionalProperties: false)
// JSON Schema per POST endpoint, using the same jsonschema compiler the
// policy engine uses to validate the standing-orders document.
var bodySchemas = compileBodySchemas(map[string]string{
	"state": `{
		"type": "object", "additionalProperties": false,
		"required": ["items"],
		"properties": {
			"correlation_id": {"type": "string"},
			"items": {"type": "array", "items": {
				"type": "object", "additionalProperties": false,
				"required": ["state_key", "state_value", "source"],
				"properties": {
					"state_key": {"type": "string"},
					"state_value": {},
					"source": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"observed_at_utc": {"type": "string"}
				}
			}}
		}
	}`,
	"intent": `{
		"type": "object", "additionalProperties": false,
		"properties": {
			"request_id": {"type": "string"},
			"mode": {"type": "string"},
			"domain": {"type": "string"},
			"urgency": {"type": "string"},
			"user_text": {"type": "string"},
			"needs_tools": {"type": "boolean"},
			"questions": {},
			"references": {},
			"response": {"type": "string"},
			"actions": {"type": "array", "items": {
				"type": "object", "additionalProperties": false,
				"required": ["tool"],
				"properties": {
					"action_id": {"type": "string"},
					"tool": {"type": "string"},
					"parameters": {}
				}
			}}
		}
	}`,
	"execute": `{
		"type": "object", "additionalProperties": false,
		"required": ["request_id", "incident_id"],
		"properties": {
			"request_id": {"type": "string"},
			"incident_id": {"type": "string"},
			"watch_condition": {"type": "string"},
			"stt_confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"dry_run": {"type": "boolean"},
			"allow_high_risk": {"type": "boolean"},
			"user_confirmed": {"type": "boolean"},
			"confirmed_at_utc": {"type": "string"}
		}
	}`,
	"confirm": `{
		"type": "object", "additionalProperties": false,
		"required": ["incident_id", "confirm_token"],
		"properties": {
			"request_id": {"type": "string"},
			"action_id": {"type": "string"},
			"incident_id": {"type": "string"},
			"confirm_token": {"type": "string"}
		}
	}`,
	"feedback": `{
		"type": "object", "additionalProperties": false,
		"required": ["request_id", "rating"],
		"properties": {
			"request_id": {"type": "string"},
			"rating": {"type": "integer", "enum": [-1, 1]},
			"correction_text": {"type": "string"}
		}
	}`,
	"twitch_send_chat": `{
		"type": "object", "additionalProperties": false,
		"required": ["incident_id", "message"],
		"properties": {
			"incident_id": {"type": "string"},
			"message": {"type": "string"},
			"watch_condition": {"type": "string"},
			"confirm_token": {"type": "string"}
		}
	}`,
	"app_open": `{
		"type": "object", "additionalProperties": false,
		"required": ["app_id"],
		"properties": {
			"app_id": {"type": "string"}
		}
	}`,
	"bias": `{
		"type": "object", "additionalProperties": false,
		"required": ["phrase", "normalized"],
		"properties": {
			"phrase": {"type": "string"},
			"normalized": {"type": "string"},
			"mode": {"type": "string"},
			"weight": {"type": "number", "minimum": 0},
			"active": {"type": "boolean"}
		}
	}`,
})

func compileBodySchemas(byName map[string]string) map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(byName))
	for name, raw := range byName {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
		}
		resource := name + ".schema.json"
		if err := c.AddResource(resource, v); err != nil {
			panic(fmt.Sprintf("httpapi: compile schema %s: %v", name, err))
		}
		sch, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("httpapi: compile schema %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
}

// decodeBody reads r.Body, validates it against the named closed schema,
// and decodes it into dst. Validation failures map to SCHEMA_VIOLATION
// returned as HTTP 400.
func decodeBody(r *http.Request, schemaName string, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return schemaErr(fmt.Errorf("invalid json: %w", err))
	}
	if sch, ok := bodySchemas[schemaName]; ok {
		if err := sch.Validate(generic); err != nil {
			return schemaErr(err)
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schemaErr(err)
	}
	return nil
}

type schemaViolationError struct{ err error }

func (e *schemaViolationError) Error() string { return e.err.Error() }
func (e *schemaViolationError) Unwrap() error { return e.err }

func schemaErr(err error) error { return &schemaViolationError{err: err} }
