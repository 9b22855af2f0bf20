package api

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/labstack/echo/v4"

	"tasklist/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = []string{"list.html", "form.html", "login.html"}

// Templates renders the UI pages. Each page is parsed together with the
// shared layout so the per-page "title" and "content" blocks do not collide.
type Templates struct {
	pages map[string]*template.Template
}

// NewTemplates parses the embedded page templates.
func NewTemplates() (*Templates, error) {
	t := &Templates{pages: make(map[string]*template.Template, len(pages))}
	for _, name := range pages {
		tmpl, err := template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		t.pages[name] = tmpl
	}
	return t, nil
}

// Render implements echo.Renderer.
func (t *Templates) Render(w io.Writer, name string, data any, _ echo.Context) error {
	tmpl, ok := t.pages[name]
	if !ok {
		return fmt.Errorf("unknown template %q", name)
	}
	return tmpl.ExecuteTemplate(w, "layout", data)
}

type pageData struct {
	User  string
	Tasks []domain.Task
	Task  *domain.Task
}
