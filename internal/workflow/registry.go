// -----------------------------------------------------------------------
// Template Registry - lazy-loading, cached workflow templates
// -----------------------------------------------------------------------

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// Registry loads templates from <dir>/<name>.json with binding schemas in
// <dir>/<name>.params.json. Parsed templates are cached keyed by the
// normalised absolute path; reads after first load take only an RLock.
type Registry struct {
	dir    string
	logger arbor.ILogger

	mu    sync.RWMutex
	cache map[string]*models.Template
}

// NewRegistry creates a template registry rooted at dir.
func NewRegistry(dir string, logger arbor.ILogger) interfaces.TemplateRegistry {
	return &Registry{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*models.Template),
	}
}

func (r *Registry) cacheKey(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", models.NewJobError(models.ErrKindValidation, "invalid template name: %q", name)
	}
	abs, err := filepath.Abs(filepath.Join(r.dir, name+".json"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve template path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// Get returns the canonical template for name, loading it on first use.
func (r *Registry) Get(name string) (*models.Template, error) {
	key, err := r.cacheKey(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	if tpl, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[key]; ok {
		return tpl, nil
	}

	tpl, err := r.load(name, key)
	if err != nil {
		return nil, err
	}
	r.cache[key] = tpl
	return tpl, nil
}

func (r *Registry) load(name, path string) (*models.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewJobError(models.ErrKindNotFound, "unknown workflow template: %s", name)
		}
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	graph, err := Canonicalise(raw)
	if err != nil {
		return nil, models.NewJobError(models.ErrKindValidation, "template %s: %v", name, err)
	}

	schema, err := r.loadSchema(name)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("template", name).
		Int("graph_nodes", len(graph)).
		Int("allowed_params", len(schema.AllowedParams)).
		Msg("Template loaded")

	return &models.Template{Name: name, Graph: graph, Schema: *schema}, nil
}

// loadSchema reads the binding schema sidecar. A missing sidecar yields an
// empty schema: the template accepts no client parameters.
func (r *Registry) loadSchema(name string) (*models.BindingSchema, error) {
	path := filepath.Join(r.dir, name+".params.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.BindingSchema{}, nil
		}
		return nil, fmt.Errorf("failed to read binding schema for %s: %w", name, err)
	}

	var schema models.BindingSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, models.NewJobError(models.ErrKindValidation, "binding schema for %s: %v", name, err)
	}
	return &schema, nil
}

// Invalidate drops a cached template so the next Get reloads it.
func (r *Registry) Invalidate(name string) {
	key, err := r.cacheKey(name)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

// List returns the template names present in the workflows directory.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".params.json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}
