package models

import (
	"encoding/json"
	"testing"
)

func TestConnectionMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Connection{SourceID: "4", Slot: 1})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `["4",1]` {
		t.Errorf("connection serialised as %s", data)
	}
}

func TestTemplateGraphClone(t *testing.T) {
	graph := TemplateGraph{
		"3": {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":  int64(42),
				"model": []interface{}{"4", 0},
			},
		},
	}

	clone := graph.Clone()
	clone["3"].Inputs["seed"] = int64(7)
	clone["3"].Inputs["model"].([]interface{})[0] = "9"

	if graph["3"].Inputs["seed"] != int64(42) {
		t.Error("clone shares scalar inputs with the original")
	}
	if graph["3"].Inputs["model"].([]interface{})[0] != "4" {
		t.Error("clone shares connection slices with the original")
	}
}

func TestBindingSchemaAllows(t *testing.T) {
	schema := &BindingSchema{AllowedParams: []string{"prompt", "seed"}}
	if !schema.Allows("seed") {
		t.Error("declared parameter rejected")
	}
	if schema.Allows("width") {
		t.Error("undeclared parameter allowed")
	}
	empty := &BindingSchema{}
	if empty.Allows("prompt") {
		t.Error("empty schema should allow nothing")
	}
}
