// Package issuetracker wraps an issue-tracker CLI (gh-shaped) as a
// subprocess: fetch issue metadata, open pull requests, post notifications.
package issuetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ralphctl/ralphctl/internal/domain"
)

// Gateway fetches issues and opens pull requests via an external CLI.
type Gateway struct {
	binary string
}

// New constructs a Gateway invoking the named CLI binary (e.g. "gh").
func New(binary string) *Gateway {
	if binary == "" {
		binary = "gh"
	}
	return &Gateway{binary: binary}
}

type issueJSON struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// FetchIssue retrieves an issue's metadata. Returns IssueFetchFailed-shaped
// errors via the caller; here it returns the raw stderr text on failure.
func (g *Gateway) FetchIssue(ctx context.Context, owner, repo string, number int) (domain.Issue, string, error) {
	cmd := exec.CommandContext(ctx, g.binary, "issue", "view", fmt.Sprintf("%d", number),
		"--repo", owner+"/"+repo, "--json", "number,title,body")
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		return domain.Issue{}, stderr, err
	}

	var parsed issueJSON
	if err := json.Unmarshal(out, &parsed); err != nil {
		return domain.Issue{}, "", err
	}

	return domain.Issue{Number: parsed.Number, Title: parsed.Title, Body: parsed.Body}, "", nil
}

// OpenPullRequestParams carries everything needed to render and open a pull request.
type OpenPullRequestParams struct {
	Owner       string
	Repo        string
	Branch      string
	BaseBranch  string
	IssueNumber int
	Title       string
	Summary     string
	TestPlan    string
}

// OpenPullRequest opens a PR and returns its URL.
func (g *Gateway) OpenPullRequest(ctx context.Context, p OpenPullRequestParams) (string, error) {
	body := buildPRBody(p)
	cmd := exec.CommandContext(ctx, g.binary, "pr", "create",
		"--repo", p.Owner+"/"+p.Repo,
		"--head", p.Branch,
		"--base", p.BaseBranch,
		"--title", p.Title,
		"--body", body,
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("open pull request: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func buildPRBody(p OpenPullRequestParams) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Closes #%d\n", p.IssueNumber)
	if p.Summary != "" {
		fmt.Fprintf(&sb, "\n## Summary\n%s\n", p.Summary)
	}
	if p.TestPlan != "" {
		fmt.Fprintf(&sb, "\n## Test plan\n%s\n", p.TestPlan)
	}
	return sb.String()
}

// Notify posts a notification to the configured channel via the same CLI
// surface (e.g. a wrapper command that posts to chat/email); errors are
// logged by the caller, never fatal.
func (g *Gateway) Notify(ctx context.Context, channel, message string) error {
	cmd := exec.CommandContext(ctx, g.binary, "notify", "--channel", channel, "--message", message)
	return cmd.Run()
}
