// Package prompt renders the initial worker prompt from a template plus
// per-lifecycle injected fragments. A pure function of its inputs.
package prompt

import (
	"strings"
	"text/template"

	"github.com/ralphctl/ralphctl/internal/domain"
)

const defaultTemplate = `You are working on issue #{{.IssueNumber}}: {{.IssueTitle}}

Repository: {{.Owner}}/{{.Repo}}
Branch: {{.BranchName}}
Working copy: {{.WorkingCopyPath}}
Mode: {{.Mode}}

{{.IssueBody}}
{{if .AdditionalSections}}
---
{{range .AdditionalSections}}
{{.}}
{{end}}
{{end}}`

// Params is the pure input to Render.
type Params struct {
	Owner              string
	Repo               string
	Issue              domain.Issue
	BranchName         string
	WorkingCopyPath    string
	Mode               domain.SessionMode
	AdditionalSections []string
}

type templateData struct {
	Owner              string
	Repo               string
	IssueNumber        int
	IssueTitle         string
	IssueBody          string
	BranchName         string
	WorkingCopyPath    string
	Mode               domain.SessionMode
	AdditionalSections []string
}

// Builder renders worker prompts from a configurable template.
type Builder struct {
	tmpl *template.Template
}

// New constructs a Builder using the default template.
func New() (*Builder, error) {
	return NewWithTemplate(defaultTemplate)
}

// NewWithTemplate constructs a Builder using a caller-supplied template.
func NewWithTemplate(tmplText string) (*Builder, error) {
	t, err := template.New("prompt").Parse(tmplText)
	if err != nil {
		return nil, err
	}
	return &Builder{tmpl: t}, nil
}

// Render is a pure function of Params, returning the prompt body to write
// into the working copy.
func (b *Builder) Render(p Params) (string, error) {
	var sb strings.Builder
	data := templateData{
		Owner:              p.Owner,
		Repo:               p.Repo,
		IssueNumber:        p.Issue.Number,
		IssueTitle:         p.Issue.Title,
		IssueBody:          p.Issue.Body,
		BranchName:         p.BranchName,
		WorkingCopyPath:    p.WorkingCopyPath,
		Mode:               p.Mode,
		AdditionalSections: p.AdditionalSections,
	}
	if err := b.tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
