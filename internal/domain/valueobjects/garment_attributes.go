package valueobjects

import (
	"fmt"
	"slices"
	"strings"
)

type GarmentCategory string

const (
	GarmentCategoryGarment  GarmentCategory = "garment"
	GarmentCategoryTop      GarmentCategory = "top"
	GarmentCategoryOuter    GarmentCategory = "outer"
	GarmentCategoryBottom   GarmentCategory = "bottom"
	GarmentCategoryOnePiece GarmentCategory = "onepiece"
	GarmentCategorySports   GarmentCategory = "sports"
)

type categoryDefaults struct {
	target      string
	replacement string
	how         string
}

var garmentCategoryDefaults = map[GarmentCategory]categoryDefaults{
	GarmentCategoryGarment:  {target: "garment", replacement: "garment"},
	GarmentCategoryTop:      {target: "top", replacement: "tops"},
	GarmentCategoryOuter:    {target: "outerwear", replacement: "clothings", how: "over"},
	GarmentCategoryBottom:   {target: "bottom", replacement: "bottoms"},
	GarmentCategoryOnePiece: {target: "one-piece dress", replacement: "clothings"},
	GarmentCategorySports:   {target: "swimwear", replacement: "clothings", how: "remove"},
}

var (
	allowedGenders = []string{"person", "man", "woman"}
	allowedFits    = []string{"regular fit", "over-sized", "slim fit"}
	allowedSleeves = []string{"short-sleeve", "long-sleeve", "sleeveless"}
	allowedLengths = []string{
		"cropped", "waist-length", "hip-length", "thigh-length",
		"knee-length", "mid-calf-length", "full-length", "floor-length",
	}
	allowedButtons = []string{"open", "close"}
	allowedTucks   = []string{"in", "out"}
	allowedHows    = []string{"remove", "over"}
)

// GarmentAttributes describe the garment being tried on. They drive the
// instruction given to prompt-based blend backends and are forwarded to
// remote ones. Empty optional fields mean "unspecified".
type GarmentAttributes struct {
	category    GarmentCategory
	target      string
	replacement string
	gender      string
	how         string
	fit         string
	sleeve      string
	length      string
	button      string
	tuck        string
}

// GarmentSpec is the raw, unvalidated form of GarmentAttributes.
type GarmentSpec struct {
	Category    string
	Target      string
	Replacement string
	Gender      string
	How         string
	Fit         string
	Sleeve      string
	Length      string
	Button      string
	Tuck        string
}

func NewGarmentAttributes(spec GarmentSpec) (*GarmentAttributes, error) {
	category := GarmentCategory(strings.ToLower(strings.TrimSpace(spec.Category)))
	if category == "" {
		category = GarmentCategoryGarment
	}
	defaults, ok := garmentCategoryDefaults[category]
	if !ok {
		return nil, fmt.Errorf("unknown garment category %q", spec.Category)
	}

	attrs := &GarmentAttributes{
		category:    category,
		target:      firstNonEmpty(spec.Target, defaults.target),
		replacement: firstNonEmpty(spec.Replacement, defaults.replacement),
		how:         firstNonEmpty(spec.How, defaults.how),
		gender:      strings.TrimSpace(spec.Gender),
		fit:         strings.TrimSpace(spec.Fit),
		sleeve:      strings.TrimSpace(spec.Sleeve),
		length:      strings.TrimSpace(spec.Length),
		button:      strings.TrimSpace(spec.Button),
		tuck:        strings.TrimSpace(spec.Tuck),
	}

	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"gender", attrs.gender, allowedGenders},
		{"how", attrs.how, allowedHows},
		{"fit", attrs.fit, allowedFits},
		{"sleeve", attrs.sleeve, allowedSleeves},
		{"length", attrs.length, allowedLengths},
		{"button", attrs.button, allowedButtons},
		{"tuck", attrs.tuck, allowedTucks},
	}
	for _, c := range checks {
		if c.value != "" && !slices.Contains(c.allowed, c.value) {
			return nil, fmt.Errorf("%s must be one of %v, got %q", c.name, c.allowed, c.value)
		}
	}
	return attrs, nil
}

// DefaultGarmentAttributes is a generic garment with nothing else known.
func DefaultGarmentAttributes() *GarmentAttributes {
	attrs, _ := NewGarmentAttributes(GarmentSpec{})
	return attrs
}

func (g *GarmentAttributes) Category() GarmentCategory { return g.category }
func (g *GarmentAttributes) Target() string            { return g.target }
func (g *GarmentAttributes) Replacement() string       { return g.replacement }
func (g *GarmentAttributes) Gender() string            { return g.gender }
func (g *GarmentAttributes) How() string               { return g.how }
func (g *GarmentAttributes) Fit() string               { return g.fit }
func (g *GarmentAttributes) Sleeve() string            { return g.sleeve }
func (g *GarmentAttributes) Length() string            { return g.length }
func (g *GarmentAttributes) Button() string            { return g.button }
func (g *GarmentAttributes) Tuck() string              { return g.tuck }

// Map returns the non-empty attributes keyed by their request field names.
func (g *GarmentAttributes) Map() map[string]string {
	out := map[string]string{
		"category":    string(g.category),
		"target":      g.target,
		"replacement": g.replacement,
	}
	for k, v := range map[string]string{
		"gender": g.gender,
		"how":    g.how,
		"fit":    g.fit,
		"sleeve": g.sleeve,
		"length": g.length,
		"button": g.button,
		"tuck":   g.tuck,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Digest is a stable encoding of every attribute.
func (g *GarmentAttributes) Digest() string {
	return strings.Join([]string{
		string(g.category), g.target, g.replacement, g.gender, g.how,
		g.fit, g.sleeve, g.length, g.button, g.tuck,
	}, ",")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
