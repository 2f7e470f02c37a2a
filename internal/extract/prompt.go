package extract

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

var userTemplate = template.Must(template.New("user").Parse(userPromptTmpl))

// SystemPrompt returns the system prompt, with any caller-supplied custom
// prompt appended.
func SystemPrompt(customPrompt string) string {
	if customPrompt == "" {
		return systemPrompt
	}
	return systemPrompt + "\n" + customPrompt
}

// UserPrompt renders the user prompt for a context bundle.
func UserPrompt(bundle *fetch.Bundle) string {
	var buf bytes.Buffer
	data := struct {
		DirectoryName string
		Files         []fetch.File
	}{
		DirectoryName: bundle.DirectoryName,
		Files:         bundle.Files,
	}
	if err := userTemplate.Execute(&buf, data); err != nil {
		return userPromptTmpl
	}
	return buf.String()
}
