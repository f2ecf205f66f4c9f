// -----------------------------------------------------------------------
// Canonicalisation - accepts legacy or rich graph exports, emits legacy
// -----------------------------------------------------------------------

package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ternarybob/atelier/internal/models"
)

// uiOnlyTypes are editor affordances with no inference semantics. They are
// dropped during canonicalisation; reroutes are followed through when
// resolving links.
var uiOnlyTypes = map[string]bool{
	"Note":          true,
	"MarkdownNote":  true,
	"Reroute":       true,
	"PrimitiveNode": true,
}

// widgetSchemas maps known inference primitives to the positional meaning
// of their widgets_values array. A "" entry skips a position (the editor
// stores UI-only values such as the seed's control mode inline).
var widgetSchemas = map[string][]string{
	"KSampler":               {"seed", "", "steps", "cfg", "sampler_name", "scheduler", "denoise"},
	"EmptyLatentImage":       {"width", "height", "batch_size"},
	"CLIPTextEncode":         {"text"},
	"CheckpointLoaderSimple": {"ckpt_name"},
	"LoadImage":              {"image", ""},
	"SaveImage":              {"filename_prefix"},
}

// richGraph is the editor's export shape.
type richGraph struct {
	Nodes []richNode  `json:"nodes"`
	Links [][]any     `json:"links"` // [link-id, src-node, src-slot, dst-node, dst-slot, type]
	Extra interface{} `json:"extra,omitempty"`
}

type richNode struct {
	ID            json.Number   `json:"id"`
	Type          string        `json:"type"`
	Inputs        []richInput   `json:"inputs"`
	WidgetsValues []interface{} `json:"widgets_values"`
}

type richInput struct {
	Name string       `json:"name"`
	Link *json.Number `json:"link"`
	// Some exports carry literal values on inputs instead of widgets.
	Value interface{} `json:"value,omitempty"`
}

// Canonicalise parses raw template JSON in either form and returns the
// canonical graph. Canonicalising a graph already in legacy form is the
// identity.
func Canonicalise(raw []byte) (models.TemplateGraph, error) {
	// The rich form is an object carrying a "nodes" array; the legacy form
	// maps node ids straight to {class_type, inputs}.
	var probe struct {
		Nodes json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("template is not valid JSON: %w", err)
	}

	if len(probe.Nodes) > 0 && probe.Nodes[0] == '[' {
		return canonicaliseRich(raw)
	}
	return parseLegacy(raw)
}

func parseLegacy(raw []byte) (models.TemplateGraph, error) {
	var graph models.TemplateGraph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, fmt.Errorf("failed to parse legacy template: %w", err)
	}
	for id, node := range graph {
		if node == nil || node.ClassType == "" {
			return nil, fmt.Errorf("graph node %s has no class_type", id)
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]interface{})
		}
	}
	return graph, nil
}

type linkEndpoint struct {
	srcNode string
	srcSlot int
}

func canonicaliseRich(raw []byte) (models.TemplateGraph, error) {
	var rich richGraph
	if err := json.Unmarshal(raw, &rich); err != nil {
		return nil, fmt.Errorf("failed to parse rich template: %w", err)
	}

	// Link table: link-id -> source endpoint.
	links := make(map[string]linkEndpoint, len(rich.Links))
	for _, entry := range rich.Links {
		if len(entry) < 5 {
			continue
		}
		linkID, ok1 := numberString(entry[0])
		srcNode, ok2 := numberString(entry[1])
		srcSlot, ok3 := toInt(entry[2])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		links[linkID] = linkEndpoint{srcNode: srcNode, srcSlot: srcSlot}
	}

	byID := make(map[string]*richNode, len(rich.Nodes))
	for i := range rich.Nodes {
		byID[rich.Nodes[i].ID.String()] = &rich.Nodes[i]
	}

	// resolve follows a link to its producing node, passing through any
	// reroute chain.
	var resolve func(linkID string, depth int) (linkEndpoint, bool)
	resolve = func(linkID string, depth int) (linkEndpoint, bool) {
		if depth > len(rich.Nodes) {
			return linkEndpoint{}, false // reroute cycle
		}
		ep, ok := links[linkID]
		if !ok {
			return linkEndpoint{}, false
		}
		src, ok := byID[ep.srcNode]
		if !ok || src.Type != "Reroute" {
			return ep, ok
		}
		for _, in := range src.Inputs {
			if in.Link != nil {
				return resolve(in.Link.String(), depth+1)
			}
		}
		return linkEndpoint{}, false
	}

	graph := make(models.TemplateGraph, len(rich.Nodes))
	for i := range rich.Nodes {
		node := &rich.Nodes[i]
		if uiOnlyTypes[node.Type] {
			continue
		}

		inputs := make(map[string]interface{})

		for _, in := range node.Inputs {
			if in.Link != nil {
				ep, ok := resolve(in.Link.String(), 0)
				if !ok {
					continue
				}
				inputs[in.Name] = []interface{}{ep.srcNode, ep.srcSlot}
				continue
			}
			if in.Value != nil {
				inputs[in.Name] = in.Value
			}
		}

		// Positional widget values for the known primitives. Unknown class
		// types pass through with connection inputs only.
		if schema, ok := widgetSchemas[node.Type]; ok {
			for pos, field := range schema {
				if pos >= len(node.WidgetsValues) {
					break
				}
				if field == "" {
					continue
				}
				if _, taken := inputs[field]; taken {
					continue
				}
				inputs[field] = node.WidgetsValues[pos]
			}
		}

		graph[node.ID.String()] = &models.GraphNode{
			ClassType: node.Type,
			Inputs:    inputs,
		}
	}

	if len(graph) == 0 {
		return nil, fmt.Errorf("template has no inference nodes")
	}
	return graph, nil
}

func numberString(v interface{}) (string, bool) {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10), true
	case string:
		return n, true
	case json.Number:
		return n.String(), true
	default:
		return "", false
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
