package server

import (
	"embed"
	"html/template"

	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/flow"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("").Funcs(template.FuncMap{
	"fieldError": func(v controller.View, name string) string {
		return v.FieldErrors[name]
	},
	"fieldValue": func(v controller.View, name string) string {
		return v.Fields[name]
	},
}).ParseFS(templateFS, "templates/*.html"))

// PageData is what every auth page renders from.
type PageData struct {
	AppName   string
	Title     string
	Kind      flow.Kind
	Path      string
	View      controller.View
	CSRFToken string
	Providers []string
	// Error is a message carried across a redirect, such as a failed
	// provider callback.
	Error string
}
