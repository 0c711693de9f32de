// Package prompt turns a style, a set of filters and a caption into the
// positive and negative prompts handed to image providers.
package prompt

import (
	"strings"

	"golang.org/x/text/cases"
)

// DefaultCaption is used when no caption backend produced a description.
const DefaultCaption = "portrait of a person"

const (
	qualitySuffix    = "high quality, detailed, 8k"
	baseNegative     = "(lowres, low quality, worst quality:1.2), (text:1.2), watermark, (frame:1.2), deformed, ugly, deformed eyes, blur, out of focus, blurry, bad quality"
	identityNegative = "different person, altered facial features, changed identity, face swap"
)

// Style is one entry of the visual style catalog.
type Style struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prompt string `json:"-"`
}

// Filter is one optional retouch or expression modifier.
type Filter struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Phrase string `json:"-"`
}

// Prompts is the composed provider-agnostic instruction pair.
type Prompts struct {
	Positive string
	Negative string
}

var defaultStyles = []Style{
	{
		ID:     "studio_professional",
		Label:  "Studio Professional",
		Prompt: "High-end corporate headshot, shot on Canon R5, 85mm portrait lens, f/1.8, soft studio lighting, three-point lighting setup, neutral grey gradient background, sharp focus on eyes, 8k resolution, hyper-realistic skin texture, professional business attire, confident expression",
	},
	{
		ID:     "neon_dual_tone",
		Label:  "Neon Cyberpunk",
		Prompt: "Futuristic cyberpunk portrait, bi-color neon lighting, intense cyan and magenta rim lights, volumetric fog, dark cinematic background, rain-slicked aesthetic, Blade Runner style, high contrast, moody, digital art masterpiece, synthwave vibe",
	},
	{
		ID:     "classic_bw",
		Label:  "Classic Film Noir (B&W)",
		Prompt: "Timeless black and white photography, Ilford HP5 Plus film stock, heavy film grain, high contrast, dramatic chiaroscuro lighting, sharp shadows, 1950s Hollywood aesthetic, emotional, iconic, Leica M6, 50mm lens",
	},
	{
		ID:     "ethereal_lighting",
		Label:  "Golden Hour (Ethereal)",
		Prompt: "Dreamy outdoor portrait, warm golden hour sunlight, sun flare, soft bokeh background, nature setting, angelic atmosphere, soft diffusion filter, pastel color palette, cinematic lighting, shot on Kodak Portra 400",
	},
	{
		ID:     "beam_lighting",
		Label:  "Tech CEO (Modern)",
		Prompt: "Modern tech entrepreneur, TED Talk stage lighting, dark blurred auditorium background, smart casual clothing, confident posture, spotlight on face, sharp 4k video quality, Steve Jobs aesthetic, minimalist",
	},
	{
		ID:     "slit_lighting",
		Label:  "Fashion Editorial",
		Prompt: "Vogue magazine cover shoot, avant-garde lighting, dramatic fashion pose, neutral beige background, high fashion styling, sharp jawline, intense gaze, softbox lighting from top, highly detailed, 8k",
	},
}

var defaultFilters = []Filter{
	{ID: "smooth_skin", Label: "Smooth Skin", Phrase: "smooth skin texture, beauty retouch"},
	{ID: "reduce_circles", Label: "Reduce Circles", Phrase: "remove dark circles, fresh eyes"},
	{ID: "smooth_hair", Label: "Smooth Hair", Phrase: "silky hair, neat hairstyle"},
	{ID: "enhance_contours", Label: "Enhance Contours", Phrase: "defined facial features, sculpted look"},
	{ID: "whiten_teeth", Label: "Whiten Teeth", Phrase: "bright white teeth, perfect smile"},
	{ID: "remove_marks", Label: "Remove Marks", Phrase: "flawless skin, no blemishes"},
	{ID: "gentle_smile", Label: "Gentle Smile", Phrase: "gentle smile, friendly expression"},
	{ID: "serious_expression", Label: "Serious Expression", Phrase: "serious emotion, closed mouth, intense stare"},
	{ID: "looking_sideways", Label: "Looking Sideways", Phrase: "looking away, side profile"},
	{ID: "direct_gaze", Label: "Direct Gaze", Phrase: "looking directly at camera, eye contact"},
}

// Composer is safe for concurrent use; its tables are read-only after construction.
type Composer struct {
	styles  []Style
	filters []Filter
	index   map[string]int
}

// NewComposer builds a composer over the given catalog. The first style is
// the fallback for unknown style ids, so styles must not be empty.
func NewComposer(styles []Style, filters []Filter) *Composer {
	c := &Composer{
		styles:  append([]Style(nil), styles...),
		filters: append([]Filter(nil), filters...),
		index:   make(map[string]int, len(filters)*2),
	}
	for i, f := range c.filters {
		c.index[c.key(f.ID)] = i
		c.index[c.key(f.Label)] = i
	}
	return c
}

// DefaultComposer returns a composer over the built-in portrait catalog.
func DefaultComposer() *Composer {
	return NewComposer(defaultStyles, defaultFilters)
}

// Styles returns a copy of the style catalog in display order.
func (c *Composer) Styles() []Style {
	return append([]Style(nil), c.styles...)
}

// Filters returns a copy of the filter table in display order.
func (c *Composer) Filters() []Filter {
	return append([]Filter(nil), c.filters...)
}

// HasStyle reports whether id names a catalog style.
func (c *Composer) HasStyle(id string) bool {
	_, ok := c.lookupStyle(id)
	return ok
}

// Compose builds the prompt pair. Unknown styles fall back to the first
// catalog entry and unknown filters are dropped. Filter phrases follow table
// order, so the result does not depend on the order of filterIDs. Identity
// negatives are only added for a real caption, not for DefaultCaption.
func (c *Composer) Compose(styleID string, filterIDs []string, caption string) Prompts {
	style, ok := c.lookupStyle(styleID)
	if !ok && len(c.styles) > 0 {
		style = c.styles[0]
	}

	selected := make([]bool, len(c.filters))
	for _, id := range filterIDs {
		if i, ok := c.index[c.key(id)]; ok {
			selected[i] = true
		}
	}
	var phrases []string
	for i, f := range c.filters {
		if selected[i] {
			phrases = append(phrases, f.Phrase)
		}
	}

	caption = strings.TrimSpace(caption)
	var segments []string
	if caption != "" {
		segments = append(segments, "("+caption+")")
	}
	if p := strings.TrimSpace(style.Prompt); p != "" {
		segments = append(segments, p)
	}
	if len(phrases) > 0 {
		segments = append(segments, strings.Join(phrases, ", "))
	}
	segments = append(segments, qualitySuffix)

	negative := baseNegative
	if caption != "" && caption != DefaultCaption {
		negative += ", " + identityNegative
	}
	return Prompts{Positive: strings.Join(segments, ", "), Negative: negative}
}

func (c *Composer) lookupStyle(id string) (Style, bool) {
	id = strings.TrimSpace(id)
	for _, s := range c.styles {
		if s.ID == id {
			return s, true
		}
	}
	return Style{}, false
}

// key folds s for lookups. Casers are stateful, so each call gets its own.
func (c *Composer) key(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
