// Package creative holds the ad creative model and the buffer of fetched,
// not yet shown creatives.
package creative

import (
	"net/url"
	"strings"
	"time"

	"github.com/thenexusengine/tne_appylar/internal/config"
)

// Orientation is the native orientation of a creative
type Orientation string

// Supported orientations
const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

// Orientations lists every orientation the engine requests creatives for
var Orientations = []Orientation{Landscape, Portrait}

// Valid reports whether o is a known orientation
func (o Orientation) Valid() bool {
	return o == Landscape || o == Portrait
}

// AdType is the presentation format of a creative
type AdType string

// Supported ad types
const (
	Banner       AdType = "banner"
	Interstitial AdType = "interstitial"
)

// Valid reports whether t is a known ad type
func (t AdType) Valid() bool {
	return t == Banner || t == Interstitial
}

// UniqueTypes returns types with duplicates removed, keeping first-seen order
func UniqueTypes(types []AdType) []AdType {
	seen := make(map[AdType]struct{}, len(types))
	out := make([]AdType, 0, len(types))
	for _, t := range types {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Creative is a single fetched ad unit eligible for presentation
type Creative struct {
	ID          int64
	Width       int
	Height      int
	Scale       float64
	Orientation Orientation
	Type        AdType
	ExpiresAt   time.Time
	Markup      string
	ClickURL    string
}

// Expired reports whether the creative is at or past its expiry at now
func (c Creative) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Matches reports whether the creative belongs to the (orientation, type) partition
func (c Creative) Matches(o Orientation, t AdType) bool {
	return c.Orientation == o && c.Type == t
}

// componentMarks are left literal when encoding a URI component
var componentMarks = strings.NewReplacer("%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// escapeComponent percent-encodes s like a browser encodes a URI component.
// Only letters, digits and -_.!~*'() stay literal.
func escapeComponent(s string) string {
	return componentMarks.Replace(strings.ReplaceAll(url.QueryEscape(s), "+", "%20"))
}

// WithPlacement returns a copy whose markup has the placement placeholders
// replaced by the URL-encoded placement label.
func (c Creative) WithPlacement(label string) Creative {
	encoded := escapeComponent(label)
	markup := " " + c.Markup + " "
	markup = strings.ReplaceAll(markup, config.EncodedPlacementPlaceholder, encoded)
	markup = strings.ReplaceAll(markup, config.PlacementPlaceholder, encoded)
	c.Markup = markup
	return c
}

// Combination identifies one buffer partition
type Combination struct {
	Orientation Orientation
	Type        AdType
}

// Combinations groups ad types by orientation, the shape the content endpoint expects
type Combinations map[Orientation][]AdType

// All returns every registered type for every orientation
func All(types []AdType) Combinations {
	c := make(Combinations, len(Orientations))
	for _, o := range Orientations {
		c[o] = append([]AdType(nil), types...)
	}
	return c
}

// Add appends t under o
func (c Combinations) Add(o Orientation, t AdType) {
	c[o] = append(c[o], t)
}

// Len returns the number of (orientation, type) pairs
func (c Combinations) Len() int {
	n := 0
	for _, types := range c {
		n += len(types)
	}
	return n
}

// Clone returns a deep copy
func (c Combinations) Clone() Combinations {
	out := make(Combinations, len(c))
	for o, types := range c {
		out[o] = append([]AdType(nil), types...)
	}
	return out
}
