// Package taskid extracts Notion task identifiers such as "TASK-123"
// from free-form text like pull request titles.
package taskid

import (
	"regexp"
	"strconv"
	"strings"
)

// ID identifies a task by its database prefix and sequence number.
type ID struct {
	Prefix string // upper-cased
	Number int
}

func (id ID) String() string {
	return id.Prefix + "-" + strconv.Itoa(id.Number)
}

// Matcher finds task IDs for a fixed set of prefixes.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles a matcher for the given prefixes.
// Empty prefixes are ignored; with no usable prefixes the matcher never matches.
func NewMatcher(prefixes []string) *Matcher {
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	if len(quoted) == 0 {
		return &Matcher{}
	}
	re := regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)[-\s](\d+)`)
	return &Matcher{re: re}
}

// Find returns the leftmost task ID in s.
// When several prefixes match at the same position, the one listed first wins.
func (m *Matcher) Find(s string) (ID, bool) {
	if m.re == nil {
		return ID{}, false
	}
	match := m.re.FindStringSubmatch(s)
	if match == nil {
		return ID{}, false
	}
	n, err := strconv.Atoi(match[2])
	if err != nil {
		// Only possible on overflow.
		return ID{}, false
	}
	return ID{Prefix: strings.ToUpper(match[1]), Number: n}, true
}

// Extract is shorthand for NewMatcher(prefixes).Find(title).
func Extract(title string, prefixes []string) (ID, bool) {
	return NewMatcher(prefixes).Find(title)
}
