// Package prompt holds the named prompt templates used by AI stages and
// renders them with {{name}} placeholder substitution.
package prompt

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"sync"

	"github.com/codegrove/appforge/internal/fault"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Registry is a read-only map from template name to template string.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewRegistry returns a registry preloaded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]string, len(builtins))}
	for name, tmpl := range builtins {
		r.templates[name] = tmpl
	}
	return r
}

// Register adds or replaces a template. Intended for tests and for
// deployments overriding the built-ins.
func (r *Registry) Register(name, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = template
}

// Get returns the raw template string.
func (r *Registry) Get(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fault.New(fault.KindTemplateMissing, "template %q is not registered", name)
	}
	return tmpl, nil
}

// Render substitutes every {{name}} placeholder with the variable of that
// name. String values are inserted as-is; mappings and arrays are inserted
// as indented JSON. Unknown placeholders are left untouched (and logged) so
// a template can be rendered with a partial variable set.
func (r *Registry) Render(name string, vars map[string]any) (string, error) {
	tmpl, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return RenderString(tmpl, vars), nil
}

// RenderString applies placeholder substitution to an arbitrary template.
func RenderString(template string, vars map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[2 : len(match)-2]
		value, ok := vars[key]
		if !ok {
			slog.Debug("prompt placeholder left unresolved", "placeholder", key)
			return match
		}
		switch v := value.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		default:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				slog.Debug("prompt placeholder not serialisable", "placeholder", key, "err", err)
				return match
			}
			return string(data)
		}
	})
}
