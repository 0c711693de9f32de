package prompt

import (
	"strings"
	"testing"
)

func TestComposeFullPrompt(t *testing.T) {
	c := DefaultComposer()
	got := c.Compose("classic_bw", []string{"Gentle Smile", "Smooth Skin"}, "a man wearing glasses")

	want := "(a man wearing glasses), Timeless black and white photography, Ilford HP5 Plus film stock, heavy film grain, high contrast, dramatic chiaroscuro lighting, sharp shadows, 1950s Hollywood aesthetic, emotional, iconic, Leica M6, 50mm lens, smooth skin texture, beauty retouch, gentle smile, friendly expression, high quality, detailed, 8k"
	if got.Positive != want {
		t.Fatalf("positive mismatch\n got: %s\nwant: %s", got.Positive, want)
	}
	if !strings.HasSuffix(got.Negative, identityNegative) {
		t.Fatalf("negative missing identity terms: %s", got.Negative)
	}
	if !strings.HasPrefix(got.Negative, baseNegative) {
		t.Fatalf("negative missing base terms: %s", got.Negative)
	}
}

func TestComposeUnknownStyleFallsBack(t *testing.T) {
	c := DefaultComposer()
	got := c.Compose("does_not_exist", nil, "")
	first := c.Styles()[0]
	if got.Positive != first.Prompt+", "+qualitySuffix {
		t.Fatalf("positive = %q", got.Positive)
	}
	if got.Negative != baseNegative {
		t.Fatalf("negative without caption = %q", got.Negative)
	}
}

func TestComposeFallbackCaptionSkipsIdentityTerms(t *testing.T) {
	got := DefaultComposer().Compose("classic_bw", nil, DefaultCaption)
	if !strings.HasPrefix(got.Positive, "("+DefaultCaption+")") {
		t.Fatalf("positive = %q", got.Positive)
	}
	if got.Negative != baseNegative {
		t.Fatalf("fallback caption added identity terms: %s", got.Negative)
	}
}

func TestComposeFilterOrderIndependent(t *testing.T) {
	c := DefaultComposer()
	a := c.Compose("neon_dual_tone", []string{"direct_gaze", "SMOOTH HAIR", "bogus", "smooth_hair"}, "x")
	b := c.Compose("neon_dual_tone", []string{"Smooth Hair", "Direct Gaze"}, "x")
	if a != b {
		t.Fatalf("compose depends on input order or duplicates:\n%q\n%q", a.Positive, b.Positive)
	}
	if strings.Count(a.Positive, "silky hair") != 1 {
		t.Fatalf("duplicate filter phrase: %s", a.Positive)
	}
	if strings.Index(a.Positive, "silky hair") > strings.Index(a.Positive, "eye contact") {
		t.Fatalf("filters not in table order: %s", a.Positive)
	}
}

func TestComposeSkipsEmptySegments(t *testing.T) {
	c := NewComposer([]Style{{ID: "plain", Label: "Plain"}}, nil)
	got := c.Compose("plain", []string{"Smooth Skin"}, "  ")
	if got.Positive != qualitySuffix {
		t.Fatalf("positive = %q", got.Positive)
	}
}

func TestCatalogCopies(t *testing.T) {
	c := DefaultComposer()
	styles := c.Styles()
	styles[0].ID = "mutated"
	if c.Styles()[0].ID != "studio_professional" {
		t.Fatalf("Styles leaked internal slice")
	}
	if len(c.Filters()) != 10 {
		t.Fatalf("filters = %d, want 10", len(c.Filters()))
	}
	if !c.HasStyle("slit_lighting") || c.HasStyle("nope") {
		t.Fatalf("HasStyle mismatch")
	}
}
