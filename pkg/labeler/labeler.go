// Package labeler keeps countdown labels on pull requests in sync with
// the deadlines of the Notion tasks their titles reference.
package labeler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dday-label/dday/pkg/dday"
	"github.com/dday-label/dday/pkg/github"
	"github.com/dday-label/dday/pkg/notion"
	"github.com/dday-label/dday/pkg/taskid"
)

// Notion is the subset of the Notion API the labeler uses.
type Notion interface {
	UniqueIDPrefixes(ctx context.Context) ([]notion.DatabasePrefix, error)
	FindPageByUniqueID(ctx context.Context, databaseID, property string, number int) (*notion.Page, error)
}

// GitHub is the subset of the GitHub API the labeler uses.
type GitHub interface {
	PullRequest(ctx context.Context, number int) (*github.PullRequest, error)
	OpenPullRequests(ctx context.Context) ([]*github.PullRequest, error)
	RemoveLabel(ctx context.Context, number int, name string) error
	EnsureLabel(ctx context.Context, name, color, description string) (bool, error)
	AddLabel(ctx context.Context, number int, name string) error
}

// Outcome describes what happened to a single pull request.
type Outcome int

const (
	OutcomeNoTaskID  Outcome = iota // the title references no known task
	OutcomeNoPage                   // the task does not exist in Notion
	OutcomeLabeled                  // a new countdown label was applied
	OutcomeUnchanged                // the pull request already had the right label
	OutcomeCleared                  // the task has no usable deadline; stale labels were removed
	OutcomeFailed                   // the update returned an error
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoTaskID:
		return "no-task-id"
	case OutcomeNoPage:
		return "no-page"
	case OutcomeLabeled:
		return "labeled"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeCleared:
		return "cleared"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome for a single pull request.
type Result struct {
	Number  int
	TaskID  string
	PageID  string
	Label   dday.Label
	Removed []string
	Created bool
	Outcome Outcome
}

// Labeler applies countdown labels. The zero value is not usable;
// Notion and GitHub must be set.
type Labeler struct {
	Notion Notion
	GitHub GitHub

	// Location is the timezone in which days are counted. Defaults to UTC.
	Location *time.Location

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Palette colors newly created labels. Defaults to dday.DefaultPalette.
	Palette *dday.Palette

	// DateProperty is the Notion property holding the deadline.
	DateProperty string

	// Description is set on newly created labels.
	Description string

	// Concurrency bounds parallel updates during a sweep. Defaults to 1.
	Concurrency int

	Log zerolog.Logger
}

func (l *Labeler) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Labeler) palette() dday.Palette {
	if l.Palette != nil {
		return *l.Palette
	}
	return dday.DefaultPalette
}

// Prefixes fetches the task ID prefixes known to Notion.
func (l *Labeler) Prefixes(ctx context.Context) ([]notion.DatabasePrefix, error) {
	prefixes, err := l.Notion.UniqueIDPrefixes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list notion task prefixes")
	}
	return prefixes, nil
}

// UpdatePullRequest brings the countdown label on pr up to date.
//
// Labels are only touched once the referenced Notion page is found.
// If the page has no usable deadline, existing countdown labels are removed.
// The labels carried by pr are taken as its current labels.
func (l *Labeler) UpdatePullRequest(ctx context.Context, pr *github.PullRequest, prefixes []notion.DatabasePrefix) (Result, error) {
	log := l.Log.With().Int("pr", pr.Number).Logger()
	res := Result{Number: pr.Number}

	names := make([]string, len(prefixes))
	for i, p := range prefixes {
		names[i] = p.Prefix
	}
	id, ok := taskid.Extract(pr.Title, names)
	if !ok {
		log.Info().Str("title", pr.Title).Msg("no notion task id found in pull request title")
		res.Outcome = OutcomeNoTaskID
		return res, nil
	}
	res.TaskID = id.String()
	log = log.With().Str("task", res.TaskID).Logger()
	log.Debug().Msg("extracted task id")

	db, ok := lookupPrefix(prefixes, id.Prefix)
	if !ok {
		// Cannot happen: the ID was matched against these prefixes.
		return res, errors.AssertionFailedf("prefix %q not among known prefixes", id.Prefix)
	}

	page, err := l.Notion.FindPageByUniqueID(ctx, db.DatabaseID, db.PropertyName, id.Number)
	if errors.Is(err, notion.ErrPageNotFound) {
		log.Info().Msg("no notion page found for task")
		res.Outcome = OutcomeNoPage
		return res, nil
	} else if err != nil {
		return res, errors.Wrapf(err, "find notion page for %s", res.TaskID)
	}
	res.PageID = page.ID
	log.Debug().Str("page", page.ID).Msg("fetched notion page")

	label, hasLabel := dday.Calculate(page.Deadline(l.DateProperty), l.now(), l.Location)
	res.Label = label

	alreadyLabeled := false
	for _, name := range pr.Labels {
		if !dday.IsLabel(name) {
			continue
		}
		if hasLabel && name == label.String() {
			alreadyLabeled = true
			continue
		}
		if err := l.GitHub.RemoveLabel(ctx, pr.Number, name); err != nil {
			return res, err
		}
		res.Removed = append(res.Removed, name)
		log.Debug().Str("label", name).Msg("removed stale label")
	}

	switch {
	case !hasLabel:
		log.Info().Strs("removed", res.Removed).Msg("task has no deadline; no label applied")
		res.Outcome = OutcomeCleared
		return res, nil
	case alreadyLabeled:
		log.Info().Stringer("label", label).Msg("label already up to date")
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	created, err := l.GitHub.EnsureLabel(ctx, label.String(), l.palette().Color(label), l.Description)
	if err != nil {
		return res, err
	}
	res.Created = created
	if created {
		log.Info().Stringer("label", label).Msg("created new label")
	} else {
		log.Debug().Stringer("label", label).Msg("reusing existing label")
	}

	if err := l.GitHub.AddLabel(ctx, pr.Number, label.String()); err != nil {
		return res, err
	}
	log.Info().Stringer("label", label).Msg("label added to pull request")
	res.Outcome = OutcomeLabeled
	return res, nil
}

// lookupPrefix returns the first database whose prefix matches, case-insensitively.
func lookupPrefix(prefixes []notion.DatabasePrefix, prefix string) (notion.DatabasePrefix, bool) {
	for _, p := range prefixes {
		if strings.EqualFold(p.Prefix, prefix) {
			return p, true
		}
	}
	return notion.DatabasePrefix{}, false
}
