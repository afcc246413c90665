// Package config loads dday-label's configuration from defaults,
// an optional TOML file, an optional .env file and the environment.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dday-label/dday/pkg/dday"
	"github.com/dday-label/dday/pkg/notion"
)

// ErrMissingEnv is returned when a required environment variable is unset.
var ErrMissingEnv = errors.New("missing required environment variables")

// Config describes the configuration structure we support.
//
// Upper-case keys come from the environment (or .env) and describe the
// GitHub Actions run. Lower-case keys are tunables from the TOML file.
type Config struct {
	EventName    string `koanf:"GITHUB_EVENT_NAME"`
	GitHubToken  string `koanf:"GITHUB_TOKEN"`
	Repository   string `koanf:"GITHUB_REPOSITORY"`
	PRNumber     string `koanf:"PR_NUMBER"`
	NotionToken  string `koanf:"NOTION_TOKEN"`
	GitHubAPIURL string `koanf:"GITHUB_API_URL"`

	// Timezone in which calendar days are counted.
	Timezone string `koanf:"timezone"`

	// DateProperty is the Notion page property holding the deadline.
	DateProperty string `koanf:"date_property"`

	// Concurrency bounds how many pull requests are updated at once during a sweep.
	Concurrency int `koanf:"concurrency"`

	// Schedule is the cron expression used by watch mode.
	Schedule string `koanf:"schedule"`

	Label  LabelConfig  `koanf:"label"`
	Notion NotionConfig `koanf:"notion"`
}

type LabelConfig struct {
	Description  string            `koanf:"description"`
	DefaultColor string            `koanf:"default_color"`
	Colors       map[string]string `koanf:"colors"`
}

type NotionConfig struct {
	BaseURL string `koanf:"base_url"`
	Version string `koanf:"version"`
}

// DefaultDateProperty is the Notion property read for deadlines ("timeline").
const DefaultDateProperty = "타임라인"

// Default returns the built-in configuration.
func Default() *Config {
	colors := make(map[string]string, len(dday.DefaultPalette.Colors))
	for k, v := range dday.DefaultPalette.Colors {
		colors[string(k)] = v
	}
	return &Config{
		Timezone:     dday.DefaultTimezone,
		DateProperty: DefaultDateProperty,
		Concurrency:  4,
		Schedule:     "0 0 * * *",
		Label: LabelConfig{
			Description:  "D-Day Label",
			DefaultColor: dday.DefaultColor,
			Colors:       colors,
		},
		Notion: NotionConfig{
			BaseURL: notion.DefaultBaseURL,
			Version: notion.DefaultVersion,
		},
	}
}

// Validate checks that the variables every run needs are present.
// PR_NUMBER is checked separately since only pull_request events need it.
func (c *Config) Validate() error {
	var missing []string
	for _, kv := range []struct{ key, val string }{
		{"GITHUB_EVENT_NAME", c.EventName},
		{"GITHUB_TOKEN", c.GitHubToken},
		{"GITHUB_REPOSITORY", c.Repository},
		{"NOTION_TOKEN", c.NotionToken},
	} {
		if strings.TrimSpace(kv.val) == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrMissingEnv, "%s", strings.Join(missing, ", "))
	}
	if c.Concurrency < 1 {
		return errors.Newf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// PullRequestNumber parses PR_NUMBER.
func (c *Config) PullRequestNumber() (int, error) {
	if strings.TrimSpace(c.PRNumber) == "" {
		return 0, errors.Wrap(ErrMissingEnv, "PR_NUMBER")
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.PRNumber))
	if err != nil || n <= 0 {
		return 0, errors.Newf("invalid PR_NUMBER %q", c.PRNumber)
	}
	return n, nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", c.Timezone)
	}
	return loc, nil
}

// Palette returns the label palette with configured overrides applied.
func (c *Config) Palette() dday.Palette {
	return dday.DefaultPalette.WithOverrides(c.Label.Colors, c.Label.DefaultColor)
}
