// Package template renders named email bodies from on-disk template files.
// Files ending in .html are parsed as HTML templates with contextual
// escaping; .txt and .tmpl files are parsed as plain text.
package template

import (
	"errors"
	"fmt"
	html "html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	text "text/template"

	"github.com/rs/zerolog"
)

// ErrUnknownTemplate is returned when a render names a template that was not
// loaded from the directory.
var ErrUnknownTemplate = errors.New("template: unknown template")

type entry struct {
	html *html.Template
	text *text.Template
}

// Registry holds the parsed templates of a directory and renders them by
// name. Reload swaps the whole set atomically.
type Registry struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry parses every template file in dir. Subdirectories are not
// walked.
func NewRegistry(dir string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		logger: logger.With().Str("component", "template-registry").Logger(),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-parses the directory and replaces the loaded set. On parse
// failure the previous set stays in place.
func (r *Registry) Reload() error {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("template: read dir %s: %w", r.dir, err)
	}

	entries := make(map[string]entry)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := filepath.Ext(f.Name())
		name := strings.TrimSuffix(f.Name(), ext)
		path := filepath.Join(r.dir, f.Name())

		switch ext {
		case ".html":
			t, err := html.ParseFiles(path)
			if err != nil {
				return fmt.Errorf("template: parse %s: %w", f.Name(), err)
			}
			entries[name] = entry{html: t}
		case ".txt", ".tmpl":
			t, err := text.ParseFiles(path)
			if err != nil {
				return fmt.Errorf("template: parse %s: %w", f.Name(), err)
			}
			entries[name] = entry{text: t}
		default:
			continue
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Debug().Int("templates", len(entries)).Msg("templates loaded")
	return nil
}

// Render executes the named template with data. The boolean reports whether
// the output is HTML.
func (r *Registry) Render(name string, data map[string]any) (string, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	var sb strings.Builder
	if e.html != nil {
		if err := e.html.Execute(&sb, data); err != nil {
			return "", false, fmt.Errorf("template: render %s: %w", name, err)
		}
		return sb.String(), true, nil
	}
	if err := e.text.Execute(&sb, data); err != nil {
		return "", false, fmt.Errorf("template: render %s: %w", name, err)
	}
	return sb.String(), false, nil
}

// Has reports whether the named template is loaded.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names lists the loaded template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
