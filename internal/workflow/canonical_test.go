package workflow

import (
	"testing"
)

func TestCanonicaliseLegacyIdentity(t *testing.T) {
	raw := []byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 42, "model": ["4", 0]}},
		"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}}
	}`)

	graph, err := Canonicalise(raw)
	if err != nil {
		t.Fatalf("legacy template rejected: %v", err)
	}
	if len(graph) != 2 {
		t.Fatalf("graph has %d nodes, want 2", len(graph))
	}
	if graph["3"].ClassType != "KSampler" {
		t.Errorf("node 3 class_type = %s", graph["3"].ClassType)
	}
	if graph["4"].Inputs["ckpt_name"] != "sd15.safetensors" {
		t.Errorf("node 4 ckpt_name = %v", graph["4"].Inputs["ckpt_name"])
	}
}

func TestCanonicaliseLegacyMissingClassType(t *testing.T) {
	raw := []byte(`{"3": {"inputs": {"seed": 1}}}`)
	if _, err := Canonicalise(raw); err == nil {
		t.Error("node without class_type should be rejected")
	}
}

func TestCanonicaliseLegacyNilInputs(t *testing.T) {
	raw := []byte(`{"9": {"class_type": "SaveImage"}}`)
	graph, err := Canonicalise(raw)
	if err != nil {
		t.Fatalf("template rejected: %v", err)
	}
	if graph["9"].Inputs == nil {
		t.Error("missing inputs should be filled with an empty map")
	}
}

func TestCanonicaliseRich(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": 1, "type": "CheckpointLoaderSimple", "inputs": [], "widgets_values": ["sd15.safetensors"]},
			{"id": 2, "type": "CLIPTextEncode", "inputs": [{"name": "clip", "link": 1}], "widgets_values": ["a cat"]},
			{"id": 4, "type": "KSampler",
			 "inputs": [{"name": "model", "link": 2}],
			 "widgets_values": [42, "fixed", 20, 7.5, "euler", "normal", 1.0]},
			{"id": 5, "type": "Note", "inputs": [], "widgets_values": ["remember to tweak cfg"]}
		],
		"links": [
			[1, 1, 1, 2, 0, "CLIP"],
			[2, 1, 0, 4, 0, "MODEL"]
		]
	}`)

	graph, err := Canonicalise(raw)
	if err != nil {
		t.Fatalf("rich template rejected: %v", err)
	}

	if _, ok := graph["5"]; ok {
		t.Error("Note node should be dropped")
	}
	if len(graph) != 3 {
		t.Fatalf("graph has %d nodes, want 3", len(graph))
	}

	// Connection input resolved through the link table.
	conn, ok := graph["2"].Inputs["clip"].([]interface{})
	if !ok || conn[0] != "1" || conn[1] != 1 {
		t.Errorf("clip input = %v, want [1 1]", graph["2"].Inputs["clip"])
	}

	// Positional widget values with the control-mode slot skipped.
	sampler := graph["4"].Inputs
	if sampler["seed"] != float64(42) {
		t.Errorf("seed = %v", sampler["seed"])
	}
	if sampler["steps"] != float64(20) {
		t.Errorf("steps = %v", sampler["steps"])
	}
	if sampler["cfg"] != 7.5 {
		t.Errorf("cfg = %v", sampler["cfg"])
	}
	if sampler["sampler_name"] != "euler" || sampler["scheduler"] != "normal" {
		t.Errorf("sampler widgets = %v / %v", sampler["sampler_name"], sampler["scheduler"])
	}
	if _, ok := sampler["fixed"]; ok {
		t.Error("control-mode widget value must not become an input")
	}

	if graph["2"].Inputs["text"] != "a cat" {
		t.Errorf("text widget = %v", graph["2"].Inputs["text"])
	}
}

func TestCanonicaliseRichReroute(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": 1, "type": "CheckpointLoaderSimple", "inputs": [], "widgets_values": ["sd15.safetensors"]},
			{"id": 3, "type": "Reroute", "inputs": [{"name": "", "link": 2}], "widgets_values": []},
			{"id": 4, "type": "KSampler", "inputs": [{"name": "model", "link": 3}], "widgets_values": []}
		],
		"links": [
			[2, 1, 0, 3, 0, "MODEL"],
			[3, 3, 0, 4, 0, "MODEL"]
		]
	}`)

	graph, err := Canonicalise(raw)
	if err != nil {
		t.Fatalf("rich template rejected: %v", err)
	}
	if _, ok := graph["3"]; ok {
		t.Error("Reroute node should be dropped")
	}

	conn, ok := graph["4"].Inputs["model"].([]interface{})
	if !ok || conn[0] != "1" || conn[1] != 0 {
		t.Errorf("model input should resolve through the reroute to [1 0], got %v", graph["4"].Inputs["model"])
	}
}

func TestCanonicaliseEmptyGraph(t *testing.T) {
	raw := []byte(`{"nodes": [{"id": 1, "type": "Note", "inputs": [], "widgets_values": ["hi"]}], "links": []}`)
	if _, err := Canonicalise(raw); err == nil {
		t.Error("a graph with only UI nodes should be rejected")
	}
}

func TestCanonicaliseInvalidJSON(t *testing.T) {
	if _, err := Canonicalise([]byte(`{not json`)); err == nil {
		t.Error("invalid JSON should be rejected")
	}
}
