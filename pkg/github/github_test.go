package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in      string
		want    Repo
		wantErr string
	}{
		{in: "octo/hello", want: Repo{Owner: "octo", Name: "hello"}},
		{in: "github.com/octo/hello", want: Repo{Owner: "octo", Name: "hello"}},
		{in: "https://github.com/octo/hello.git", want: Repo{Owner: "octo", Name: "hello"}},
		{in: "https://github.com/octo/hello/", want: Repo{Owner: "octo", Name: "hello"}},
		{in: "httpie/cli", want: Repo{Owner: "httpie", Name: "cli"}},
		{in: "https://github.com/httpie/cli", want: Repo{Owner: "httpie", Name: "cli"}},
		{in: "octo", wantErr: `invalid repository "octo": want owner/repo`},
		{in: "octo/hello/extra", wantErr: `invalid repository "octo/hello/extra": want owner/repo`},
		{in: "https://gitlab.com/octo/hello", wantErr: `url host must be github.com, not "gitlab.com"`},
		{in: "https://github.com/octo/hello/tree/main", wantErr: `unsupported url: https://github.com/octo/hello/tree/main`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := qt.New(t)
			got, err := ParseRepo(tt.in)
			if tt.wantErr != "" {
				c.Assert(err, qt.ErrorMatches, tt.wantErr)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(got, qt.Equals, tt.want)
			c.Assert(got.String(), qt.Equals, tt.want.Owner+"/"+tt.want.Name)
		})
	}
}

// fakeGitHub is an in-memory stand-in for the subset of the REST API the client uses.
type fakeGitHub struct {
	mu          sync.Mutex
	repoLabels  map[string]string // name -> color
	issueLabels map[int][]string
	pulls       []map[string]any
}

func (f *fakeGitHub) handler(c *qt.C) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	notFound := func(w http.ResponseWriter) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}

	// Pull requests carry their current labels, as the API reports them.
	withLabels := func(prs []map[string]any) []map[string]any {
		out := make([]map[string]any, len(prs))
		for i, pr := range prs {
			labels := []map[string]string{}
			for _, name := range f.issueLabels[pr["number"].(int)] {
				labels = append(labels, map[string]string{"name": name})
			}
			out[i] = maps.Clone(pr)
			out[i]["labels"] = labels
		}
		return out
	}

	mux.HandleFunc("GET /repos/octo/hello/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c.Check(r.URL.Query().Get("state"), qt.Equals, "open")
		c.Check(r.Header.Get("Authorization"), qt.Equals, "Bearer gh-token")
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/octo/hello/pulls?state=open&page=2>; rel="next"`, r.Host))
			writeJSON(w, http.StatusOK, withLabels(f.pulls[:1]))
			return
		}
		writeJSON(w, http.StatusOK, withLabels(f.pulls[1:]))
	})
	mux.HandleFunc("GET /repos/octo/hello/pulls/{n}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, pr := range withLabels(f.pulls) {
			if fmt.Sprint(pr["number"]) == r.PathValue("n") {
				writeJSON(w, http.StatusOK, pr)
				return
			}
		}
		notFound(w)
	})
	mux.HandleFunc("DELETE /repos/octo/hello/issues/{n}/labels/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var n int
		fmt.Sscan(r.PathValue("n"), &n)
		name := r.PathValue("name")
		for i, l := range f.issueLabels[n] {
			if l == name {
				f.issueLabels[n] = append(f.issueLabels[n][:i], f.issueLabels[n][i+1:]...)
				writeJSON(w, http.StatusOK, []any{})
				return
			}
		}
		notFound(w)
	})
	mux.HandleFunc("POST /repos/octo/hello/issues/{n}/labels", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var n int
		fmt.Sscan(r.PathValue("n"), &n)
		var names []string
		c.Check(json.NewDecoder(r.Body).Decode(&names), qt.IsNil)
		f.issueLabels[n] = append(f.issueLabels[n], names...)
		writeJSON(w, http.StatusOK, []any{})
	})
	mux.HandleFunc("GET /repos/octo/hello/labels/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.PathValue("name")
		if color, ok := f.repoLabels[name]; ok {
			writeJSON(w, http.StatusOK, map[string]string{"name": name, "color": color})
			return
		}
		notFound(w)
	})
	mux.HandleFunc("POST /repos/octo/hello/labels", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		var l struct {
			Name        string `json:"name"`
			Color       string `json:"color"`
			Description string `json:"description"`
		}
		c.Check(json.Unmarshal(body, &l), qt.IsNil)
		c.Check(l.Description, qt.Equals, "D-Day Label")
		f.repoLabels[l.Name] = l.Color
		writeJSON(w, http.StatusCreated, l)
	})
	return mux
}

func newFakeClient(c *qt.C) (*Client, *fakeGitHub) {
	f := &fakeGitHub{
		repoLabels:  map[string]string{"D-0": "ED1C24"},
		issueLabels: map[int][]string{1: {"bug", "D-3"}},
		pulls: []map[string]any{
			{"number": 1, "title": "TASK-1 first", "state": "open"},
			{"number": 2, "title": "TASK-2 second", "state": "open"},
		},
	}
	srv := httptest.NewServer(f.handler(c))
	c.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Repo{Owner: "octo", Name: "hello"}, "gh-token", WithAPIURL(srv.URL))
	c.Assert(err, qt.IsNil)
	return client, f
}

func TestClient_PullRequests(t *testing.T) {
	c := qt.New(t)
	client, _ := newFakeClient(c)
	ctx := context.Background()

	pr, err := client.PullRequest(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(pr, qt.DeepEquals, &PullRequest{Number: 1, Title: "TASK-1 first", Labels: []string{"bug", "D-3"}})

	_, err = client.PullRequest(ctx, 99)
	c.Assert(IsNotFound(err), qt.IsTrue)

	prs, err := client.OpenPullRequests(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(prs, qt.HasLen, 2)
	c.Assert(prs[0].Labels, qt.DeepEquals, []string{"bug", "D-3"})
	c.Assert(prs[1].Number, qt.Equals, 2)
	c.Assert(prs[1].Labels, qt.HasLen, 0)
}

func TestClient_Labels(t *testing.T) {
	c := qt.New(t)
	client, f := newFakeClient(c)
	ctx := context.Background()

	c.Assert(client.RemoveLabel(ctx, 1, "D-3"), qt.IsNil)
	// Removing an absent label is fine.
	c.Assert(client.RemoveLabel(ctx, 1, "D-3"), qt.IsNil)

	created, err := client.EnsureLabel(ctx, "D-0", "ED1C24", "D-Day Label")
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.IsFalse)

	created, err = client.EnsureLabel(ctx, "D-1", "F08650", "D-Day Label")
	c.Assert(err, qt.IsNil)
	c.Assert(created, qt.IsTrue)
	c.Assert(f.repoLabels["D-1"], qt.Equals, "F08650")

	c.Assert(client.AddLabel(ctx, 1, "D-1"), qt.IsNil)
	c.Assert(f.issueLabels[1], qt.DeepEquals, []string{"bug", "D-1"})

	pr, err := client.PullRequest(ctx, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(pr.Labels, qt.DeepEquals, []string{"bug", "D-1"})
}
