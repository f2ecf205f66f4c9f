// -----------------------------------------------------------------------
// Parameter Engine - binds client parameters into a template clone
// -----------------------------------------------------------------------

package workflow

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// systemParams travel alongside client parameters through the job pipeline
// but are never bound into the graph; they are silently ignored here
// rather than rejected.
var systemParams = map[string]bool{
	"job_id":         true,
	"user_id":        true,
	"job_kind":       true,
	"workflow_name":  true,
	"priority":       true,
	"file_downloads": true,
}

// Engine resolves client parameters against a template's binding schema
// and injects them into a deep clone of the canonical graph.
type Engine struct {
	registry interfaces.TemplateRegistry
	logger   arbor.ILogger
}

// NewEngine creates a parameter engine.
func NewEngine(registry interfaces.TemplateRegistry, logger arbor.ILogger) *Engine {
	return &Engine{registry: registry, logger: logger}
}

// Process resolves clientParams for the named template and returns the
// resolved graph. With a deterministic seed the result is a pure function
// of its inputs.
func (e *Engine) Process(templateName string, clientParams map[string]interface{}) (models.TemplateGraph, error) {
	tpl, err := e.registry.Get(templateName)
	if err != nil {
		return nil, err
	}

	// Reject unknown client parameters up front, before any binding work.
	for name := range clientParams {
		if systemParams[name] {
			continue
		}
		if !tpl.Schema.Allows(name) {
			return nil, models.NewJobError(models.ErrKindValidation,
				"parameter %q is not accepted by workflow %s", name, templateName)
		}
	}

	// Resolve each mapped parameter: client value, else default, else skip.
	resolved := make(map[string]interface{}, len(tpl.Schema.Mapping))
	for name, binding := range tpl.Schema.Mapping {
		value, present := clientParams[name]
		if !present || value == nil {
			if binding.Default == nil {
				continue
			}
			value = binding.Default
		}
		coerced, err := coerce(value, binding.Type)
		if err != nil {
			return nil, models.NewJobError(models.ErrKindValidation,
				"parameter %q: %v", name, err)
		}
		resolved[name] = coerced
	}

	// Seed sentinel: -1 means pick a random non-negative 31-bit seed.
	if seed, ok := resolved["seed"]; ok {
		if n, isInt := seed.(int64); isInt && n == -1 {
			resolved["seed"] = int64(rand.Int32())
		}
	}

	graph := tpl.Graph.Clone()

	// Deterministic injection order keeps resolved graphs byte-equal across
	// calls for equal inputs.
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		binding := tpl.Schema.Mapping[name]
		target, ok := graph[binding.NodeID]
		if !ok {
			e.logger.Warn().
				Str("template", templateName).
				Str("param", name).
				Str("node_id", binding.NodeID).
				Msg("Parameter target node missing from graph; skipping")
			continue
		}
		target.Inputs[binding.Field] = resolved[name]
	}

	return graph, nil
}

// coerce converts a client-supplied value to the binding's declared type.
// JSON numbers arrive as float64; everything else is converted with a
// precise diagnostic on mismatch.
func coerce(value interface{}, t models.ParamType) (interface{}, error) {
	switch t {
	case models.ParamInt:
		switch v := value.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected int, got fractional number %v", v)
			}
			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected int, got %q", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected int, got %T", value)
		}
	case models.ParamFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}
	case models.ParamString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)
	case models.ParamBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
}
