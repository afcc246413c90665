package labeler

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/dday-label/dday/pkg/github"
	"github.com/dday-label/dday/pkg/notion"
)

// Event names as reported in GITHUB_EVENT_NAME.
const (
	EventPullRequest      = "pull_request"
	EventSchedule         = "schedule"
	EventWorkflowDispatch = "workflow_dispatch"
)

// ErrMissingPullRequest is returned for pull_request events without a PR number.
var ErrMissingPullRequest = errors.New("pull_request event without a pull request number")

// Event is the trigger of a run.
type Event struct {
	Name string

	// PullRequest is the pull request number. Required for pull_request events.
	PullRequest int
}

// Summary aggregates the results of a run.
type Summary struct {
	RunID   string
	Results []Result
	Skipped bool // the event is not one we act on
}

// Count returns how many results had the given outcome.
func (s *Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Run handles a single event.
//
// For pull_request it updates that pull request. For schedule and
// workflow_dispatch it sweeps every open pull request; a failure on one
// pull request does not stop the others, and all failures are returned together.
// Other events are logged and ignored.
func (l *Labeler) Run(ctx context.Context, ev Event) (*Summary, error) {
	sum := &Summary{RunID: xid.New().String()}

	// Work on a copy so concurrent runs each carry their own log context.
	run := *l
	run.Log = l.Log.With().Str("run_id", sum.RunID).Str("event", ev.Name).Logger()
	l = &run

	switch ev.Name {
	case EventPullRequest:
		if ev.PullRequest <= 0 {
			return sum, ErrMissingPullRequest
		}
		pr, err := l.GitHub.PullRequest(ctx, ev.PullRequest)
		if err != nil {
			return sum, err
		}
		prefixes, err := l.Prefixes(ctx)
		if err != nil {
			return sum, err
		}
		res, err := l.UpdatePullRequest(ctx, pr, prefixes)
		sum.Results = append(sum.Results, res)
		return sum, err

	case EventSchedule, EventWorkflowDispatch:
		results, err := l.Sweep(ctx)
		sum.Results = results
		return sum, err

	default:
		l.Log.Info().Msg("only runs on pull_request, schedule or workflow_dispatch events")
		sum.Skipped = true
		return sum, nil
	}
}

// Sweep updates every open pull request.
// Prefixes are fetched once and shared by all updates.
func (l *Labeler) Sweep(ctx context.Context) ([]Result, error) {
	prs, err := l.GitHub.OpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		l.Log.Info().Msg("no open pull requests")
		return nil, nil
	}
	prefixes, err := l.Prefixes(ctx)
	if err != nil {
		return nil, err
	}
	l.Log.Info().Int("pull_requests", len(prs)).Int("prefixes", len(prefixes)).Msg("sweeping open pull requests")

	var (
		mu      sync.Mutex
		errs    []error
		results = make([]Result, len(prs))
	)

	limit := l.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, pr := range prs {
		g.Go(func() error {
			res, err := l.UpdatePullRequest(gctx, pr, prefixes)
			if err != nil {
				res.Outcome = OutcomeFailed
			}
			results[i] = res
			if err != nil {
				l.Log.Error().Err(err).Int("pr", pr.Number).Msg("unable to update pull request")
				mu.Lock()
				errs = append(errs, errors.Wrapf(err, "pull request #%d", pr.Number))
				mu.Unlock()
			}
			// Keep going; one bad pull request must not block the rest.
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

var (
	_ Notion = (*notion.Client)(nil)
	_ GitHub = (*github.Client)(nil)
)
