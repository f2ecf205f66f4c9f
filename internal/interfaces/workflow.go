package interfaces

import (
	"github.com/ternarybob/atelier/internal/models"
)

// TemplateRegistry loads, canonicalises and caches workflow templates.
type TemplateRegistry interface {
	// Get returns the canonical template for the name, loading and
	// canonicalising it on first use.
	Get(name string) (*models.Template, error)
	// Invalidate drops a cached template so the next Get reloads it.
	Invalidate(name string)
	// List returns the template names available in the workflows directory.
	List() ([]string, error)
}
