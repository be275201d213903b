package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RenderPriority orders render work. Lower values are scheduled first.
type RenderPriority int

const (
	PriorityVisiblePage RenderPriority = iota
	PriorityNearbyPage
	PriorityThumbnail
)

// PriorityCount is the number of priority classes
const PriorityCount = 3

// Priorities lists all priority classes from highest to lowest precedence
var Priorities = [PriorityCount]RenderPriority{PriorityVisiblePage, PriorityNearbyPage, PriorityThumbnail}

func (p RenderPriority) String() string {
	switch p {
	case PriorityVisiblePage:
		return "visible_page"
	case PriorityNearbyPage:
		return "nearby_page"
	case PriorityThumbnail:
		return "thumbnail"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority classes
func (p RenderPriority) Valid() bool {
	return p >= PriorityVisiblePage && p <= PriorityThumbnail
}

// ParseRenderPriority accepts the String() form or the short aliases visible, nearby and thumb
func ParseRenderPriority(s string) (RenderPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "visible", "visible_page":
		return PriorityVisiblePage, nil
	case "nearby", "nearby_page":
		return PriorityNearbyPage, nil
	case "thumb", "thumbnail":
		return PriorityThumbnail, nil
	default:
		return 0, fmt.Errorf("unknown render priority %q", s)
	}
}

// RenderProfile is a quality preset that affects output cost
type RenderProfile int

const (
	ProfileHighDetail RenderProfile = iota
	ProfileLowDetail
)

func (p RenderProfile) String() string {
	switch p {
	case ProfileHighDetail:
		return "high"
	case ProfileLowDetail:
		return "low"
	default:
		return "unknown"
	}
}

// ParseRenderProfile parses "high" or "low"; empty selects high detail
func ParseRenderProfile(s string) (RenderProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "high":
		return ProfileHighDetail, nil
	case "low":
		return ProfileLowDetail, nil
	default:
		return 0, fmt.Errorf("unknown render profile %q", s)
	}
}

// FallbackMode is the externally observable rendering mode
type FallbackMode int32

const (
	FallbackNormal FallbackMode = iota
	FallbackLegacySimpleRenderer
)

func (m FallbackMode) String() string {
	switch m {
	case FallbackNormal:
		return "normal"
	case FallbackLegacySimpleRenderer:
		return "legacy_simple_renderer"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the mode by name for diagnostics output
func (m FallbackMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Rect is an integer region in page pixel coordinates (at scale 1).
// Min is inclusive, Max exclusive.
type Rect struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// NewRect builds a Rect from origin and size
func NewRect(x, y, w, h int) Rect {
	return Rect{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}
}

func (r Rect) Dx() int { return r.MaxX - r.MinX }
func (r Rect) Dy() int { return r.MaxY - r.MinY }

// Empty reports whether the rect contains no pixels
func (r Rect) Empty() bool {
	return r.MinX >= r.MaxX || r.MinY >= r.MaxY
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.MinX, r.MinY, r.MaxX, r.MaxY)
}

// PageSize is the intrinsic size of a page in pixels at scale 1
type PageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HeightForWidth returns the page height scaled to the given width, at least 1
func (s PageSize) HeightForWidth(width int) int {
	if s.Width <= 0 {
		return 0
	}
	h := int(int64(s.Height) * int64(width) / int64(s.Width))
	if h < 1 {
		h = 1
	}
	return h
}

// Duration wraps time.Duration with extended parsing support for days and weeks
type Duration time.Duration

var extendedDurationRe = regexp.MustCompile(`^(-?)(\d+(?:\.\d+)?)(d|w)$`)

// UnmarshalYAML implements yaml.Unmarshaler for extended duration formats
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON accepts nanosecond numbers and duration strings ("15s", "30d", "2w")
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ns int64
	if err := json.Unmarshal(data, &ns); err == nil {
		*d = Duration(ns)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number, got %s", string(data))
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler for Duration
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ToDuration converts types.Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses standard Go durations plus "d" (days) and "w" (weeks) suffixes
func ParseDuration(s string) (time.Duration, error) {
	if dur, err := time.ParseDuration(s); err == nil {
		return dur, nil
	}

	matches := extendedDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration %q: expected Go duration or format like '30d' or '2w'", s)
	}

	value, err := strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if matches[1] == "-" {
		value = -value
	}

	unit := 24 * time.Hour
	if matches[3] == "w" {
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(value * float64(unit)), nil
}
