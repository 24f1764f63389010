package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphctl/ralphctl/internal/domain"
)

func TestRenderDefaultTemplate(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	out, err := b.Render(Params{
		Owner:           "acme",
		Repo:            "widgets",
		Issue:           domain.Issue{Number: 42, Title: "Fix the thing", Body: "Detailed repro steps."},
		BranchName:      "issue-42",
		WorkingCopyPath: "/work/widgets-issue-42",
		Mode:            domain.ModeAutonomous,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "issue #42: Fix the thing")
	assert.Contains(t, out, "acme/widgets")
	assert.Contains(t, out, "issue-42")
	assert.Contains(t, out, "/work/widgets-issue-42")
	assert.Contains(t, out, "autonomous")
	assert.Contains(t, out, "Detailed repro steps.")
	assert.NotContains(t, out, "---")
}

func TestRenderWithAdditionalSections(t *testing.T) {
	b, err := New()
	require.NoError(t, err)

	out, err := b.Render(Params{
		Owner:              "acme",
		Repo:               "widgets",
		Issue:              domain.Issue{Number: 1, Title: "t", Body: "b"},
		AdditionalSections: []string{"Review feedback: add tests", "Iteration 3 of 10"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "---")
	assert.Contains(t, out, "Review feedback: add tests")
	assert.Contains(t, out, "Iteration 3 of 10")
}

func TestRenderWithCustomTemplate(t *testing.T) {
	b, err := NewWithTemplate("issue={{.IssueNumber}} mode={{.Mode}}")
	require.NoError(t, err)

	out, err := b.Render(Params{
		Issue: domain.Issue{Number: 7},
		Mode:  domain.ModeManual,
	})
	require.NoError(t, err)
	assert.Equal(t, "issue=7 mode=manual", out)
}

func TestNewWithTemplateInvalidSyntax(t *testing.T) {
	_, err := NewWithTemplate("{{.Unclosed")
	assert.Error(t, err)
}
