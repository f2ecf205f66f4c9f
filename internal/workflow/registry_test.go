package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/models"
)

const registryLegacyTemplate = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 1}},
	"9": {"class_type": "SaveImage", "inputs": {}}
}`

const registrySchema = `{
	"allowed_params": ["seed"],
	"mapping": {"seed": {"node_id": "3", "field": "seed", "type": "int"}}
}`

func writeTemplate(t *testing.T, dir, name, graph, schema string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(graph), 0644); err != nil {
		t.Fatal(err)
	}
	if schema != "" {
		if err := os.WriteFile(filepath.Join(dir, name+".params.json"), []byte(schema), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRegistryGet(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "flux_schnell", registryLegacyTemplate, registrySchema)

	registry := NewRegistry(dir, arbor.NewLogger())

	tpl, err := registry.Get("flux_schnell")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(tpl.Graph) != 2 {
		t.Errorf("graph has %d nodes, want 2", len(tpl.Graph))
	}
	if !tpl.Schema.Allows("seed") {
		t.Error("schema sidecar not loaded")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	registry := NewRegistry(t.TempDir(), arbor.NewLogger())

	_, err := registry.Get("nope")
	if err == nil {
		t.Fatal("unknown template accepted")
	}
	if models.AsJobError(err).Kind != models.ErrKindNotFound {
		t.Errorf("error kind = %s, want not-found", models.AsJobError(err).Kind)
	}
}

func TestRegistryRejectsTraversal(t *testing.T) {
	registry := NewRegistry(t.TempDir(), arbor.NewLogger())

	for _, name := range []string{"../etc/passwd", "a/b", `a\b`, "", ".."} {
		if _, err := registry.Get(name); err == nil {
			t.Errorf("template name %q accepted", name)
		} else if models.AsJobError(err).Kind != models.ErrKindValidation {
			t.Errorf("template name %q: error kind = %s, want validation", name, models.AsJobError(err).Kind)
		}
	}
}

func TestRegistryMissingSchemaSidecar(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "bare", registryLegacyTemplate, "")

	registry := NewRegistry(dir, arbor.NewLogger())

	tpl, err := registry.Get("bare")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(tpl.Schema.AllowedParams) != 0 {
		t.Error("missing sidecar should yield an empty schema")
	}
	if tpl.Schema.Allows("anything") {
		t.Error("empty schema must reject all client parameters")
	}
}

func TestRegistryInvalidate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "flux_schnell", registryLegacyTemplate, "")

	registry := NewRegistry(dir, arbor.NewLogger())
	if _, err := registry.Get("flux_schnell"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Replace the file; a cached read still sees the old graph until
	// invalidation.
	writeTemplate(t, dir, "flux_schnell", `{"1": {"class_type": "SaveImage", "inputs": {}}}`, "")

	tpl, _ := registry.Get("flux_schnell")
	if len(tpl.Graph) != 2 {
		t.Error("cache miss before invalidation")
	}

	registry.Invalidate("flux_schnell")
	tpl, err := registry.Get("flux_schnell")
	if err != nil {
		t.Fatalf("Get after invalidate failed: %v", err)
	}
	if len(tpl.Graph) != 1 {
		t.Error("invalidated template not reloaded")
	}
}

func TestRegistryList(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "flux_schnell", registryLegacyTemplate, registrySchema)
	writeTemplate(t, dir, "wan_i2v", registryLegacyTemplate, "")
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry(dir, arbor.NewLogger())
	names, err := registry.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List returned %v, want the two template names", names)
	}
	for _, name := range names {
		if name != "flux_schnell" && name != "wan_i2v" {
			t.Errorf("unexpected listing entry %q", name)
		}
	}
}
