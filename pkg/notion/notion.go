// Package notion is a small client for the parts of the Notion API
// needed to resolve task IDs to pages.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dday-label/dday/internal/version"
	"github.com/dday-label/dday/pkg/httpretry"
)

const (
	// DefaultBaseURL is the Notion API endpoint.
	DefaultBaseURL = "https://api.notion.com/v1"

	// DefaultVersion is the Notion-Version header sent with every request.
	DefaultVersion = "2022-06-28"

	searchPageSize = 100
)

// ErrPageNotFound is returned when no page matches a lookup.
var ErrPageNotFound = errors.New("notion page not found")

// APIError is a non-2xx response from the Notion API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("notion: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("notion: %s (status %d): %s", e.Code, e.Status, e.Message)
}

// Client talks to the Notion API on behalf of an integration.
type Client struct {
	token   string
	baseURL string
	version string
	http    *http.Client
}

type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithVersion overrides the Notion-Version header.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a client authenticated with the given integration token.
// By default it retries rate-limited and failed requests.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		version: DefaultVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpretry.NewClient(nil)
	}
	return c
}

// SearchDatabases lists every database shared with the integration.
func (c *Client) SearchDatabases(ctx context.Context) ([]Database, error) {
	var (
		all    []Database
		cursor string
	)
	for {
		req := searchRequest{
			Filter:      searchFilter{Value: "database", Property: "object"},
			StartCursor: cursor,
			PageSize:    searchPageSize,
		}
		var resp searchResponse
		if err := c.do(ctx, http.MethodPost, "/search", req, &resp); err != nil {
			return nil, errors.Wrap(err, "search databases")
		}
		for _, db := range resp.Results {
			// The filter should make this redundant, but be safe.
			if db.Object == "" || db.Object == "database" {
				all = append(all, db)
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return all, nil
		}
		cursor = *resp.NextCursor
	}
}

// UniqueIDPrefixes returns the prefix of every unique_id property
// in every database the integration can see.
// Properties without a prefix are skipped since they cannot be matched in text.
func (c *Client) UniqueIDPrefixes(ctx context.Context) ([]DatabasePrefix, error) {
	dbs, err := c.SearchDatabases(ctx)
	if err != nil {
		return nil, err
	}
	return UniqueIDPrefixes(dbs), nil
}

// UniqueIDPrefixes extracts the unique_id prefixes from the given databases,
// in database order.
func UniqueIDPrefixes(dbs []Database) []DatabasePrefix {
	var out []DatabasePrefix
	for _, db := range dbs {
		for key, prop := range sortedProperties(db.Properties) {
			if prop.Type != "unique_id" || prop.UniqueID == nil || prop.UniqueID.Prefix == nil {
				continue
			}
			prefix := *prop.UniqueID.Prefix
			if prefix == "" {
				continue
			}
			name := prop.Name
			if name == "" {
				name = key
			}
			out = append(out, DatabasePrefix{
				Prefix:       prefix,
				DatabaseID:   db.ID,
				PropertyName: name,
			})
		}
	}
	return out
}

// FindPageByUniqueID returns the first page in the database whose
// unique_id property equals number.
func (c *Client) FindPageByUniqueID(ctx context.Context, databaseID, property string, number int) (*Page, error) {
	req := queryRequest{
		Filter: queryFilter{
			Property: property,
			UniqueID: uniqueIDFilter{Equals: number},
		},
		PageSize: 1,
	}
	var resp queryResponse
	path := "/databases/" + url.PathEscape(databaseID) + "/query"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, errors.Wrapf(err, "query database %s", databaseID)
	}
	if len(resp.Results) == 0 {
		return nil, ErrPageNotFound
	}
	return &resp.Results[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if respData == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// sortedProperties iterates over properties in key order.
// The API returns schemas as JSON objects, so there is no meaningful order to keep.
func sortedProperties(props map[string]Property) iter.Seq2[string, Property] {
	return func(yield func(string, Property) bool) {
		for _, k := range slices.Sorted(maps.Keys(props)) {
			if !yield(k, props[k]) {
				return
			}
		}
	}
}
