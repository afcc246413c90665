// Package github provides utilities for interacting with GitHub repositories.
package github

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	gh "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/dday-label/dday/internal/version"
	"github.com/dday-label/dday/pkg/httpretry"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string // GitHub owner (user or organization)
	Name  string // repository name
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepo parses a repository reference into a Repo.
//
// Valid references are:
// - owner/repo (the GITHUB_REPOSITORY format)
// - github.com/owner/repo
// - https://github.com/owner/repo[.git]
func ParseRepo(s string) (Repo, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "http://"):
		// Already an URL; do nothing
	case strings.HasPrefix(s, "github.com"):
		// Assume a URL without the scheme
		s = "https://" + s
	default:
		owner, name, ok := strings.Cut(s, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return Repo{}, errors.Newf("invalid repository %q: want owner/repo", s)
		}
		return Repo{Owner: owner, Name: name}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Repo{}, errors.Wrap(err, "invalid repository url")
	}
	if u.Host != "github.com" {
		return Repo{}, errors.Newf("url host must be github.com, not %q", u.Host)
	}

	// Path must be "/owner/repo", optionally with a trailing slash or .git suffix.
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, errors.Newf("unsupported url: %s", u)
	}
	return Repo{Owner: parts[0], Name: strings.TrimSuffix(parts[1], ".git")}, nil
}

// PullRequest is the subset of a pull request the labeler works with.
type PullRequest struct {
	Number int
	Title  string
	Labels []string // names of the labels currently on the pull request
}

// Client performs label operations against a single repository.
type Client struct {
	repo Repo
	gh   *gh.Client
}

type clientOptions struct {
	apiURL string
	base   http.RoundTripper
}

type Option func(*clientOptions)

// WithAPIURL points the client at a GitHub Enterprise Server API root,
// e.g. the GITHUB_API_URL provided by Actions.
func WithAPIURL(u string) Option {
	return func(o *clientOptions) { o.apiURL = u }
}

// WithTransport sets the transport beneath the auth and retry layers.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// NewClient returns a client for repo authenticated with token.
func NewClient(ctx context.Context, repo Repo, token string, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	// oauth2 picks up the retrying client from the context and layers auth on top.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpretry.NewClient(o.base))
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	client := gh.NewClient(hc)
	client.UserAgent = version.UserAgent()
	if o.apiURL != "" && strings.TrimSuffix(o.apiURL, "/") != DefaultAPIURL {
		u, err := url.Parse(strings.TrimSuffix(o.apiURL, "/") + "/")
		if err != nil {
			return nil, errors.Wrap(err, "invalid api url")
		}
		client.BaseURL = u
	}
	return &Client{repo: repo, gh: client}, nil
}

// PullRequest fetches a single pull request.
func (c *Client) PullRequest(ctx context.Context, number int) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.repo.Owner, c.repo.Name, number)
	if err != nil {
		return nil, errors.Wrapf(err, "get pull request #%d", number)
	}
	return convertPR(pr), nil
}

// OpenPullRequests lists every open pull request in the repository.
func (c *Client) OpenPullRequests(ctx context.Context) ([]*PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []*PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.repo.Owner, c.repo.Name, opts)
		if err != nil {
			return nil, errors.Wrap(err, "list open pull requests")
		}
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// RemoveLabel removes a label from an issue or pull request.
// Removing a label that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, number int, name string) error {
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.repo.Owner, c.repo.Name, number, name)
	if err != nil && !IsNotFound(err) {
		return errors.Wrapf(err, "remove label %q from #%d", name, number)
	}
	return nil
}

// EnsureLabel makes sure the repository has a label with the given name,
// creating it with color and description if it does not exist.
// It reports whether the label was created.
func (c *Client) EnsureLabel(ctx context.Context, name, color, description string) (created bool, err error) {
	_, _, err = c.gh.Issues.GetLabel(ctx, c.repo.Owner, c.repo.Name, name)
	if err == nil {
		return false, nil
	} else if !IsNotFound(err) {
		return false, errors.Wrapf(err, "get label %q", name)
	}

	_, _, err = c.gh.Issues.CreateLabel(ctx, c.repo.Owner, c.repo.Name, &gh.Label{
		Name:        gh.String(name),
		Color:       gh.String(color),
		Description: gh.String(description),
	})
	if err != nil {
		return false, errors.Wrapf(err, "create label %q", name)
	}
	return true, nil
}

// AddLabel adds an existing repository label to an issue or pull request.
func (c *Client) AddLabel(ctx context.Context, number int, name string) error {
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.repo.Owner, c.repo.Name, number, []string{name})
	return errors.Wrapf(err, "add label %q to #%d", name, number)
}

// IsNotFound reports whether err is a 404 from the GitHub API.
func IsNotFound(err error) bool {
	var er *gh.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound
}

func convertPR(pr *gh.PullRequest) *PullRequest {
	out := &PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
