package dday

import "strings"

// DefaultColor is used for labels without an entry in the palette.
const DefaultColor = "75F94D"

// DefaultPalette colors the last three days before a deadline.
var DefaultPalette = Palette{
	Colors: map[Label]string{
		"D-0": "ED1C24", // red
		"D-1": "F08650", // orange
		"D-2": "FFFD55", // yellow
	},
	Default: DefaultColor,
}

// Palette maps countdown labels to GitHub label colors (hex, without '#').
type Palette struct {
	Colors  map[Label]string
	Default string
}

// Color returns the color for the label.
func (p Palette) Color(l Label) string {
	if c, ok := p.Colors[l]; ok && c != "" {
		return normalizeColor(c)
	}
	if p.Default != "" {
		return normalizeColor(p.Default)
	}
	return DefaultColor
}

// WithOverrides returns a copy of p with the given colors applied on top.
func (p Palette) WithOverrides(colors map[string]string, def string) Palette {
	out := Palette{
		Colors:  make(map[Label]string, len(p.Colors)+len(colors)),
		Default: p.Default,
	}
	for k, v := range p.Colors {
		out.Colors[k] = v
	}
	for k, v := range colors {
		out.Colors[Label(k)] = v
	}
	if def != "" {
		out.Default = def
	}
	return out
}

func normalizeColor(c string) string {
	return strings.ToUpper(strings.TrimPrefix(c, "#"))
}
