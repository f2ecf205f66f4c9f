// -----------------------------------------------------------------------
// Workflow Template - canonical inference graph and its binding schema
// -----------------------------------------------------------------------

package models

import "fmt"

// Connection references another graph node's output slot. It serialises to
// the two-element array ["<source-node-id>", <slot>] the node protocol uses.
type Connection struct {
	SourceID string
	Slot     int
}

// MarshalJSON emits the ["id", slot] pair form.
func (c Connection) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`["%s",%d]`, c.SourceID, c.Slot)), nil
}

// GraphNode is one node of a canonical template graph. Input values are
// either scalars or []interface{"src-id", slot} connections, exactly as the
// backend's legacy prompt format expects.
type GraphNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// TemplateGraph is the canonical template shape: graph-node-id -> node.
// The graph is a DAG; connections point from outputs to later inputs, so no
// back-pointers are kept.
type TemplateGraph map[string]*GraphNode

// Clone deep-copies the graph so callers can inject parameters without
// mutating the registry cache.
func (g TemplateGraph) Clone() TemplateGraph {
	clone := make(TemplateGraph, len(g))
	for id, node := range g {
		inputs := make(map[string]interface{}, len(node.Inputs))
		for k, v := range node.Inputs {
			if conn, ok := v.([]interface{}); ok {
				cp := make([]interface{}, len(conn))
				copy(cp, conn)
				inputs[k] = cp
				continue
			}
			inputs[k] = v
		}
		clone[id] = &GraphNode{ClassType: node.ClassType, Inputs: inputs}
	}
	return clone
}

// ParamType is the declared data type of a bindable parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// ParamBinding maps a client parameter onto one graph input.
type ParamBinding struct {
	NodeID  string      `json:"node_id"`
	Field   string      `json:"field"`
	Type    ParamType   `json:"type"`
	Default interface{} `json:"default,omitempty"`
}

// BindingSchema is the per-template contract for client parameters.
type BindingSchema struct {
	AllowedParams []string                `json:"allowed_params"`
	Mapping       map[string]ParamBinding `json:"mapping"`
}

// Allows reports whether clients may supply the named parameter.
func (s *BindingSchema) Allows(name string) bool {
	for _, p := range s.AllowedParams {
		if p == name {
			return true
		}
	}
	return false
}

// Template pairs a canonical graph with its binding schema.
type Template struct {
	Name   string
	Graph  TemplateGraph
	Schema BindingSchema
}
