// Package types provides shared types for the campaign engine.
package types

import (
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// NodeKind identifies the behavior of a node in the workflow graph.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindMessage   NodeKind = "message"
	NodeKindDelay     NodeKind = "delay"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
)

// TriggerKind identifies what starts an enrollment.
type TriggerKind string

const (
	TriggerContactCreated TriggerKind = "contact_created"
	TriggerTagApplied     TriggerKind = "tag_applied"
	TriggerTagRemoved     TriggerKind = "tag_removed"
	TriggerFieldChanged   TriggerKind = "field_changed"
	TriggerInboundMessage TriggerKind = "inbound_message"
	TriggerDateTime       TriggerKind = "date_time"
)

// WorkflowDefinition is the immutable-until-edited graph describing one
// workflow. The engine only executes definitions with status "active".
type WorkflowDefinition struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name"`
	Status   WorkflowStatus `json:"status"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges,omitempty"`
	Settings Settings       `json:"settings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings holds per-workflow execution policy.
type Settings struct {
	// MaxExecutionsPerContact caps total enrollments (any status) per
	// contact. Zero means unlimited.
	MaxExecutionsPerContact int `json:"max_executions_per_contact,omitempty"`

	// AllowReentry permits a contact to hold more than one non-terminal
	// enrollment in this workflow at a time.
	AllowReentry bool `json:"allow_reentry,omitempty"`

	// StopOnReply cancels non-terminal enrollments when an inbound message
	// arrives from the enrolled contact.
	StopOnReply bool `json:"stop_on_reply,omitempty"`

	// StopOnError fails the enrollment on the first errored attempt instead
	// of retrying.
	StopOnError bool `json:"stop_on_error,omitempty"`

	// Timezone is the IANA zone used for calendar-aware delays.
	Timezone string `json:"timezone,omitempty"`

	// BusinessHours is the countable window for business-hours delays.
	BusinessHours *BusinessHours `json:"business_hours,omitempty"`
}

// BusinessHours describes the time-of-day/day-of-week window counted when
// computing calendar-aware delays. Start and End are "15:04" clock values.
type BusinessHours struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"` // Defaults to Mon-Fri.
}

// Node is a typed step in the workflow graph. Exactly one of the per-kind
// config pointers is set, matching Kind.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Name string   `json:"name,omitempty"`

	Trigger   *TriggerConfig   `json:"trigger,omitempty"`
	Message   *MessageConfig   `json:"message,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Action    *ActionConfig    `json:"action,omitempty"`
}

// Config returns whether the node carries the config matching its kind.
func (n *Node) Config() bool {
	switch n.Kind {
	case NodeKindTrigger:
		return n.Trigger != nil
	case NodeKindMessage:
		return n.Message != nil
	case NodeKindDelay:
		return n.Delay != nil
	case NodeKindCondition:
		return n.Condition != nil
	case NodeKindAction:
		return n.Action != nil
	}
	return false
}

// TriggerConfig describes what events enroll a contact.
type TriggerConfig struct {
	Kind TriggerKind `json:"kind"`

	// TagIDs filters tag_applied/tag_removed triggers to specific tags.
	// Empty means any tag.
	TagIDs []string `json:"tag_ids,omitempty"`

	// FieldName/FieldValue filter field_changed triggers. Empty FieldValue
	// matches any new value of FieldName.
	FieldName  string `json:"field_name,omitempty"`
	FieldValue string `json:"field_value,omitempty"`

	// Schedule applies to date_time triggers: a cron expression
	// ("0 9 * * MON") or a one-shot RFC3339 instant.
	Schedule string `json:"schedule,omitempty"`

	// ContactIDs is the audience of a date_time trigger.
	ContactIDs []string `json:"contact_ids,omitempty"`
}

// MessageConfig describes an outbound message step. Body may reference
// enrollment context and contact fields as {{name}} placeholders.
type MessageConfig struct {
	Body string `json:"body"`

	// MaxRetries overrides the engine default for transient send failures.
	// Negative means no retries.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// DelayUnit is the unit of a delay amount.
type DelayUnit string

const (
	UnitMinutes       DelayUnit = "minutes"
	UnitHours         DelayUnit = "hours"
	UnitDays          DelayUnit = "days"
	UnitWeeks         DelayUnit = "weeks"
	UnitBusinessHours DelayUnit = "business_hours"
)

// DelayConfig describes a wait step.
type DelayConfig struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`

	BusinessHoursOnly bool `json:"business_hours_only,omitempty"`
	SkipWeekends      bool `json:"skip_weekends,omitempty"`

	// SpecificTimeOfDay snaps the due date forward to the next occurrence
	// of this "15:04" clock value.
	SpecificTimeOfDay string `json:"specific_time_of_day,omitempty"`
}

// ConditionConfig describes a branch step. Clauses are combined in
// declaration order; each clause's LogicalOperator joins it with the
// running result (no precedence between and/or).
type ConditionConfig struct {
	Clauses []Clause `json:"clauses"`
}

// ClauseSource identifies where a condition clause reads its value from.
type ClauseSource string

const (
	SourceTag           ClauseSource = "tag"
	SourceCustomField   ClauseSource = "custom_field"
	SourceLastMessageAt ClauseSource = "last_message_at"
	SourceStatus        ClauseSource = "status"
	SourceSource        ClauseSource = "source"
	SourceExpression    ClauseSource = "expression"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// Logical joins a clause with the running result of the clauses before it.
type Logical string

const (
	LogicalAnd Logical = "and"
	LogicalOr  Logical = "or"
)

// Clause is one comparison within a condition node.
type Clause struct {
	Source ClauseSource `json:"source"`
	Field  string       `json:"field,omitempty"` // Tag ID or custom field name.
	Op     Operator     `json:"op,omitempty"`
	Value  string       `json:"value,omitempty"`

	// LogicalOperator combines this clause with the running result.
	// Ignored on the first clause; defaults to "and".
	LogicalOperator Logical `json:"logical_operator,omitempty"`

	// Expression holds an expr-lang expression when Source is "expression".
	Expression string `json:"expression,omitempty"`
}

// ActionKind identifies a contact-directory side effect.
type ActionKind string

const (
	ActionAddTag    ActionKind = "add_tag"
	ActionRemoveTag ActionKind = "remove_tag"
	ActionSetField  ActionKind = "set_field"
	ActionNotify    ActionKind = "notify"
)

// ActionConfig describes a side-effect step. Actions are idempotent by
// construction; re-applying a tag add is a no-op.
type ActionConfig struct {
	Kind       ActionKind `json:"kind"`
	TagID      string     `json:"tag_id,omitempty"`
	FieldName  string     `json:"field_name,omitempty"`
	FieldValue string     `json:"field_value,omitempty"`
	Message    string     `json:"message,omitempty"` // For notify.
}

// Edge connects two nodes. Label selects condition branches ("true"/"false");
// SourceHandle disambiguates outputs when a node has multiple.
type Edge struct {
	ID           string `json:"id,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
	Label        string `json:"label,omitempty"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// NodeByID returns the node with the given ID, or nil.
func (w *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// TriggerNode returns the workflow's trigger node, or nil.
func (w *WorkflowDefinition) TriggerNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Kind == NodeKindTrigger {
			return &w.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving a node, in declaration order.
func (w *WorkflowDefinition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges entering a node, in declaration order.
func (w *WorkflowDefinition) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// EdgeByLabel returns the first outgoing edge of a node with the given
// label. First match wins when labels collide.
func (w *WorkflowDefinition) EdgeByLabel(nodeID, label string) *Edge {
	for _, e := range w.Edges {
		if e.From == nodeID && e.Label == label {
			edge := e
			return &edge
		}
	}
	return nil
}

// EntryNodeID returns the node immediately downstream of the trigger,
// where new enrollments start. Empty when the graph has no trigger or the
// trigger has no outgoing edge.
func (w *WorkflowDefinition) EntryNodeID() string {
	trigger := w.TriggerNode()
	if trigger == nil {
		return ""
	}
	edges := w.OutgoingEdges(trigger.ID)
	if len(edges) == 0 {
		return ""
	}
	return edges[0].To
}
