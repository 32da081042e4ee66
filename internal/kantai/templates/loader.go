package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"
)

const templateSuffix = ".tmpl"

// Registry resolves and renders named templates from one or more filesystem
// roots. Earlier roots shadow later ones file by file, so an operator
// directory only needs to hold the templates it overrides.
//
//	reg := templates.NewRegistry(os.DirFS("/etc/kantai/templates"), templates.Builtin())
//	out, err := reg.Render("config.yaml", vars)
type Registry struct {
	roots []fs.FS
}

// NewRegistry creates a Registry searching roots in order.
func NewRegistry(roots ...fs.FS) *Registry {
	return &Registry{roots: roots}
}

// List returns the names (without the .tmpl suffix) of every template
// available from any root, sorted.
func (r *Registry) List() ([]string, error) {
	seen := map[string]bool{}
	for _, root := range r.roots {
		entries, err := fs.ReadDir(root, ".")
		if err != nil {
			return nil, fmt.Errorf("listing templates: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), templateSuffix) {
				continue
			}
			seen[strings.TrimSuffix(e.Name(), templateSuffix)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Render loads <name>.tmpl from the first root that has it and executes it
// with data.
//
// Templates are trusted operator content. Agent-supplied text must reach a
// template only as data, never as template source.
func (r *Registry) Render(name string, data any) ([]byte, error) {
	file := name + templateSuffix

	raw, err := r.read(file)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}

	// missingkey=error fails loudly on a typo instead of rendering
	// "<no value>" into an agent's config.
	tmpl, err := template.New(file).
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": quote}).
		Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("template %q: parse: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template %q: render: %w", name, err)
	}
	return buf.Bytes(), nil
}

func (r *Registry) read(file string) ([]byte, error) {
	for _, root := range r.roots {
		raw, err := fs.ReadFile(root, file)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fs.ErrNotExist
}
