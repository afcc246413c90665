package notion

// Database is a Notion database as returned by search.
// Only the fields the labeler needs are decoded.
type Database struct {
	Object     string              `json:"object"`
	ID         string              `json:"id"`
	Properties map[string]Property `json:"properties"`
}

// Property describes one column of a database schema.
type Property struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	UniqueID *UniqueIDConfig `json:"unique_id,omitempty"`
}

// UniqueIDConfig configures a unique_id property. Prefix is nil
// for databases whose IDs are plain numbers.
type UniqueIDConfig struct {
	Prefix *string `json:"prefix"`
}

// Page is a Notion page, i.e. a row in a database.
type Page struct {
	Object     string                   `json:"object"`
	ID         string                   `json:"id"`
	URL        string                   `json:"url"`
	Properties map[string]PropertyValue `json:"properties"`
}

// PropertyValue is the value of a page property.
type PropertyValue struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Date *DateValue `json:"date,omitempty"`
}

// DateValue is a date or date range. Start and End are ISO-8601 strings.
type DateValue struct {
	Start    string  `json:"start"`
	End      *string `json:"end"`
	TimeZone *string `json:"time_zone"`
}

// Deadline returns the end of the date range in the named property,
// falling back to its start. It returns "" if the property is missing
// or not a date.
func (p *Page) Deadline(property string) string {
	if p == nil {
		return ""
	}
	v, ok := p.Properties[property]
	if !ok || v.Date == nil {
		return ""
	}
	if v.Date.End != nil && *v.Date.End != "" {
		return *v.Date.End
	}
	return v.Date.Start
}

// DatabasePrefix ties a unique_id prefix to the database and property that own it.
type DatabasePrefix struct {
	Prefix       string
	DatabaseID   string
	PropertyName string
}

type searchRequest struct {
	Filter      searchFilter `json:"filter"`
	StartCursor string       `json:"start_cursor,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
}

type searchFilter struct {
	Value    string `json:"value"`
	Property string `json:"property"`
}

type searchResponse struct {
	Results    []Database `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor"`
}

type queryRequest struct {
	Filter   queryFilter `json:"filter"`
	PageSize int         `json:"page_size,omitempty"`
}

type queryFilter struct {
	Property string         `json:"property"`
	UniqueID uniqueIDFilter `json:"unique_id"`
}

type uniqueIDFilter struct {
	Equals int `json:"equals"`
}

type queryResponse struct {
	Results []Page `json:"results"`
}
