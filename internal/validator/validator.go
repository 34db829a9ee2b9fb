// Package validator provides JSON schema and structural validation for
// workflow definitions submitted through the authoring intake.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Validator validates workflow definitions.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: workflowSchema}, nil
}

// ValidateJSON validates a JSON-encoded workflow definition against the
// schema, then runs structural graph checks when the shape is sound.
func (v *Validator) ValidateJSON(data []byte) *ValidationResult {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}

	if err := v.workflowSchema.Validate(raw); err != nil {
		result := &ValidationResult{Valid: false}
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			result.Errors = extractErrors(verr)
		} else {
			result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
		}
		return result
	}

	var wf types.WorkflowDefinition
	if err := json.Unmarshal(data, &wf); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("decode workflow: %v", err)},
			},
		}
	}
	return v.ValidateGraph(&wf)
}

// ValidateGraph runs the structural checks the schema cannot express:
// exactly one trigger with no incoming edge, every other node reachable,
// condition branch labels present and unique, per-kind config present,
// and no cycles.
func (v *Validator) ValidateGraph(wf *types.WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{Valid: true}
	addErr := func(path, format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]*types.Node, len(wf.Nodes))
	var triggers []string
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		path := fmt.Sprintf("$.nodes[%d]", i)
		if n.ID == "" {
			addErr(path, "node missing id")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			addErr(path, "duplicate node id %q", n.ID)
			continue
		}
		ids[n.ID] = n
		if n.Kind == types.NodeKindTrigger {
			triggers = append(triggers, n.ID)
		}
		if !n.Config() {
			addErr(path, "node %q config does not match kind %q", n.ID, n.Kind)
		}
	}
	if len(triggers) != 1 {
		addErr("$.nodes", "workflow must have exactly one trigger node, found %d", len(triggers))
	}

	for i, e := range wf.Edges {
		path := fmt.Sprintf("$.edges[%d]", i)
		if _, ok := ids[e.From]; !ok {
			addErr(path, "edge references unknown node %q", e.From)
		}
		if _, ok := ids[e.To]; !ok {
			addErr(path, "edge references unknown node %q", e.To)
		}
		if to, ok := ids[e.To]; ok && to.Kind == types.NodeKindTrigger {
			addErr(path, "trigger node %q cannot have incoming edges", e.To)
		}
	}
	if !result.Valid {
		return result
	}

	// Non-trigger nodes must be reachable from the trigger.
	reachable := map[string]bool{triggers[0]: true}
	queue := []string{triggers[0]}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range wf.OutgoingEdges(cur) {
			if !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for id := range ids {
		if !reachable[id] {
			addErr("$.nodes", "node %q is not reachable from the trigger", id)
		}
	}

	// Condition nodes need distinct true and false branches.
	for id, n := range ids {
		if n.Kind != types.NodeKindCondition {
			continue
		}
		labels := make(map[string]int)
		for _, e := range wf.OutgoingEdges(id) {
			labels[e.Label]++
		}
		for _, want := range []string{"true", "false"} {
			switch labels[want] {
			case 0:
				addErr("$.edges", "condition node %q missing %q edge", id, want)
			case 1:
			default:
				addErr("$.edges", "condition node %q has %d %q edges", id, labels[want], want)
			}
		}
	}

	if cyc := findCycle(wf); cyc != "" {
		addErr("$.edges", "workflow graph has a cycle through node %q", cyc)
	}
	return result
}

// findCycle returns a node id on a cycle, or empty for acyclic graphs.
func findCycle(wf *types.WorkflowDefinition) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, e := range wf.OutgoingEdges(id) {
			switch color[e.To] {
			case gray:
				return e.To
			case white:
				if c := visit(e.To); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for i := range wf.Nodes {
		if color[wf.Nodes[i].ID] == white {
			if c := visit(wf.Nodes[i].ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schema

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Definition",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "status": {"enum": ["draft", "active", "paused", "archived"]},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["trigger", "message", "delay", "condition", "action"]},
          "name": {"type": "string"},
          "trigger": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["contact_created", "tag_applied", "tag_removed", "field_changed", "inbound_message", "date_time"]},
              "tag_ids": {"type": "array", "items": {"type": "string"}},
              "field_name": {"type": "string"},
              "field_value": {"type": "string"},
              "schedule": {"type": "string"},
              "contact_ids": {"type": "array", "items": {"type": "string"}}
            }
          },
          "message": {
            "type": "object",
            "required": ["body"],
            "properties": {
              "body": {"type": "string", "minLength": 1},
              "max_retries": {"type": "integer", "minimum": -1}
            }
          },
          "delay": {
            "type": "object",
            "required": ["amount", "unit"],
            "properties": {
              "amount": {"type": "integer", "minimum": 1},
              "unit": {"enum": ["minutes", "hours", "days", "weeks", "business_hours"]},
              "business_hours_only": {"type": "boolean"},
              "skip_weekends": {"type": "boolean"},
              "specific_time_of_day": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}
            }
          },
          "condition": {
            "type": "object",
            "required": ["clauses"],
            "properties": {
              "clauses": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "required": ["source"],
                  "properties": {
                    "source": {"enum": ["tag", "custom_field", "last_message_at", "status", "source", "expression"]},
                    "field": {"type": "string"},
                    "op": {"enum": ["equals", "not_equals", "contains", "not_contains", "greater_than", "less_than", "is_empty", "is_not_empty"]},
                    "value": {"type": "string"},
                    "logical_operator": {"enum": ["and", "or"]},
                    "expression": {"type": "string"}
                  }
                }
              }
            }
          },
          "action": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["add_tag", "remove_tag", "set_field", "notify"]},
              "tag_id": {"type": "string"},
              "field_name": {"type": "string"},
              "field_value": {"type": "string"},
              "message": {"type": "string"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "id": {"type": "string"},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "source_handle": {"type": "string"}
        }
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "max_executions_per_contact": {"type": "integer", "minimum": 0},
        "allow_reentry": {"type": "boolean"},
        "stop_on_reply": {"type": "boolean"},
        "stop_on_error": {"type": "boolean"},
        "timezone": {"type": "string"},
        "business_hours": {
          "type": "object",
          "required": ["start", "end"],
          "properties": {
            "start": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
            "end": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
            "days": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}}
          }
        }
      }
    }
  }
}`
