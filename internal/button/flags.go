package button

import (
	"fmt"
	"strings"
)

// ParsedFlags is the structured form of a button's flag string.
// Parsing is total: unrecognized characters are ignored.
type ParsedFlags struct {
	NewWindow     bool // N: force a fresh session
	Device        bool // @: declares this button as a device target
	MonitorDevice bool // ~: poll the device's connectivity
	Record        bool // *: stateful record toggle
	Keyword       bool // ?: keyword monitor
	Numeric       bool // #: numeric adjust mode
	VarEdit       bool // V: variable-edit mode
	Sticky        bool // T: pinned display (implied by @)
	ForceLocal    bool // K: ignore any active device
	Mobile        bool // M: rewrite user@host to mobile@host
	Background    bool // &: background toggle
	Confirm       bool // >: confirm before dispatch

	FontSize  int
	BaseColor string // winning base-color flag char, "" when none matched
	Dim       bool   // D
	Color     string // final hex, dim already applied
}

// Palette is the base-color table the parser resolves against.
type Palette struct {
	Default  string
	Priority []string
	Colors   map[string]string
}

// Parser turns flag strings into ParsedFlags. The palette and font bounds
// are configuration: device revisions shipped with different color tables.
type Parser struct {
	palette         Palette
	defaultFontSize int
	maxFontSize     int
}

// NewParser builds a parser. Zero font bounds fall back to 13/28.
func NewParser(palette Palette, defaultFontSize, maxFontSize int) *Parser {
	if defaultFontSize <= 0 {
		defaultFontSize = 13
	}
	if maxFontSize <= 0 {
		maxFontSize = 28
	}
	if palette.Default == "" {
		palette.Default = "#000000"
	}
	return &Parser{palette: palette, defaultFontSize: defaultFontSize, maxFontSize: maxFontSize}
}

// Parse is pure and never fails. Behavior flags are order-independent;
// color resolution follows the palette's priority list, so the outcome is
// independent of character order in the flag string.
func (p *Parser) Parse(flags string) ParsedFlags {
	f := strings.ToUpper(strings.TrimSpace(flags))
	out := ParsedFlags{
		FontSize: p.defaultFontSize,
		Color:    p.palette.Default,
	}
	// Spreadsheet exports encode empty cells as the literal string below.
	if f == "" || f == "MISSING VALUE" {
		return out
	}

	out.NewWindow = strings.ContainsRune(f, 'N')
	out.Device = strings.ContainsRune(f, '@')
	out.MonitorDevice = strings.ContainsRune(f, '~')
	out.Record = strings.ContainsRune(f, '*')
	out.Keyword = strings.ContainsRune(f, '?')
	out.Numeric = strings.ContainsRune(f, '#')
	out.VarEdit = strings.ContainsRune(f, 'V')
	out.ForceLocal = strings.ContainsRune(f, 'K')
	out.Mobile = strings.ContainsRune(f, 'M')
	out.Background = strings.ContainsRune(f, '&')
	out.Confirm = strings.ContainsRune(f, '>')
	out.Dim = strings.ContainsRune(f, 'D')
	out.Sticky = strings.ContainsRune(f, 'T') || out.Device

	if size, ok := fontSizeRun(f); ok {
		if size > p.maxFontSize {
			size = p.maxFontSize
		}
		out.FontSize = size
	}

	for _, char := range p.palette.Priority {
		if strings.Contains(f, char) {
			if hex, ok := p.palette.Colors[char]; ok {
				out.BaseColor = char
				out.Color = hex
				break
			}
		}
	}

	if out.Dim && out.BaseColor != "" {
		out.Color = DimColor(out.Color)
	}

	return out
}

// fontSizeRun extracts the first 1-2 digit run as a font size.
// Runs of three or more digits are not sizes and are skipped.
func fontSizeRun(f string) (int, bool) {
	i := 0
	for i < len(f) {
		if f[i] < '0' || f[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(f) && f[j] >= '0' && f[j] <= '9' {
			j++
		}
		if run := j - i; run <= 2 {
			size := 0
			for _, c := range f[i:j] {
				size = size*10 + int(c-'0')
			}
			if size > 0 {
				return size, true
			}
		}
		i = j
	}
	return 0, false
}

// DimColor halves each RGB channel.
func DimColor(hex string) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return hex
	}
	return fmt.Sprintf("#%02X%02X%02X", r/2, g/2, b/2)
}

// TextColor picks black or white text for a background by luminance.
func TextColor(bgHex string) string {
	r, g, b, ok := parseHex(bgHex)
	if !ok {
		return "white"
	}
	luminance := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	if luminance > 128 {
		return "black"
	}
	return "white"
}

// ToggleBG brightens a background for the active/running display state.
// Channels saturating near white flip to darkening so the change stays
// visible on light backgrounds.
func ToggleBG(hex string) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return "#FFFFFF"
	}
	br, bg2, bb := clamp255(r+70), clamp255(g+70), clamp255(b+70)
	if br > 250 && bg2 > 250 && bb > 250 && !(r == 255 && g == 255 && b == 255) {
		br, bg2, bb = clamp0(r-70), clamp0(g-70), clamp0(b-70)
	}
	return fmt.Sprintf("#%02X%02X%02X", br, bg2, bb)
}

func clamp255(v int) int {
	if v > 255 {
		return 255
	}
	return v
}

func clamp0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func parseHex(hex string) (r, g, b int, ok bool) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	var rv, gv, bv int
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &rv, &gv, &bv); err != nil {
		return 0, 0, 0, false
	}
	return rv, gv, bv, true
}
