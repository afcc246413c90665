package dday

import (
	"testing"
	"time"
	_ "time/tzdata"

	qt "github.com/frankban/quicktest"
)

func TestCalculate(t *testing.T) {
	c := qt.New(t)
	seoul, err := time.LoadLocation(DefaultTimezone)
	c.Assert(err, qt.IsNil)

	// 2024-05-01 01:30 in Seoul, which is still April 30th in UTC.
	now := time.Date(2024, 4, 30, 16, 30, 0, 0, time.UTC)

	tests := []struct {
		due    string
		want   Label
		wantOK bool
	}{
		{due: "", wantOK: false},
		{due: "not a date", wantOK: false},
		{due: "2024-13-01", wantOK: false},
		{due: "2024-05-01", want: "D-0", wantOK: true},
		{due: "2024-04-20", want: "D-0", wantOK: true},
		{due: "2024-05-02", want: "D-1", wantOK: true},
		{due: "2024-05-03", want: "D-2", wantOK: true},
		{due: "2024-05-31", want: "D-30", wantOK: true},
		{due: "2024-05-04T09:00:00.000+09:00", want: "D-3", wantOK: true},
		// The offset is not applied; the wall-clock date counts.
		{due: "2024-05-02T23:00:00.000-05:00", want: "D-1", wantOK: true},
		{due: "2024-05-02T01:00:00Z", want: "D-1", wantOK: true},
		{due: "2024-05-05T10:30", want: "D-4", wantOK: true},
	}

	for _, tt := range tests {
		c.Run(tt.due, func(c *qt.C) {
			got, ok := Calculate(tt.due, now, seoul)
			c.Assert(ok, qt.Equals, tt.wantOK)
			c.Assert(got, qt.Equals, tt.want)
		})
	}
}

func TestCalculate_AcrossDST(t *testing.T) {
	c := qt.New(t)
	ny, err := time.LoadLocation("America/New_York")
	c.Assert(err, qt.IsNil)

	now := time.Date(2024, 3, 9, 12, 0, 0, 0, ny)
	got, ok := Calculate("2024-03-11", now, ny)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, Label("D-2"))
}

func TestIsLabel(t *testing.T) {
	c := qt.New(t)
	c.Assert(IsLabel("D-3"), qt.IsTrue)
	c.Assert(IsLabel("D-Day"), qt.IsTrue)
	c.Assert(IsLabel("bug"), qt.IsFalse)
	c.Assert(IsLabel("d-3"), qt.IsFalse)
}

func TestPalette(t *testing.T) {
	c := qt.New(t)
	c.Assert(DefaultPalette.Color("D-0"), qt.Equals, "ED1C24")
	c.Assert(DefaultPalette.Color("D-1"), qt.Equals, "F08650")
	c.Assert(DefaultPalette.Color("D-2"), qt.Equals, "FFFD55")
	c.Assert(DefaultPalette.Color("D-3"), qt.Equals, "75F94D")

	p := DefaultPalette.WithOverrides(map[string]string{"D-3": "#00ff00"}, "cccccc")
	c.Assert(p.Color("D-3"), qt.Equals, "00FF00")
	c.Assert(p.Color("D-9"), qt.Equals, "CCCCCC")
	c.Assert(p.Color("D-0"), qt.Equals, "ED1C24")

	// The default palette is not modified.
	c.Assert(DefaultPalette.Color("D-3"), qt.Equals, "75F94D")
}
