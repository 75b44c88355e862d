package theme

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestStylesCarryForeground(t *testing.T) {
	t.Parallel()

	for i, style := range []lipgloss.Style{TitleStyle, SuccessStyle, ErrorStyle, WarningStyle, InfoStyle, MutedStyle, KeyStyle} {
		if style.GetForeground() == nil {
			t.Fatalf("style %d has nil foreground", i)
		}
	}
	if border, _, _, _, _ := PanelBorder.GetBorder(); border.Top != lipgloss.RoundedBorder().Top {
		t.Fatalf("panel border top = %q, want rounded", border.Top)
	}
	if border, _, _, _, _ := OverlayBorder.GetBorder(); border.Top != lipgloss.DoubleBorder().Top {
		t.Fatalf("overlay border top = %q, want double", border.Top)
	}
}

func TestPaletteColorRespectsProfile(t *testing.T) {
	original := colorProfileFn
	t.Cleanup(func() {
		colorProfileFn = original
	})

	colorProfileFn = func() termenv.Profile { return termenv.TrueColor }
	if _, ok := paletteColor(Accent, "209", "11").(lipgloss.AdaptiveColor); !ok {
		t.Fatal("truecolor profile should yield lipgloss.AdaptiveColor")
	}

	colorProfileFn = func() termenv.Profile { return termenv.ANSI256 }
	complete, ok := paletteColor(Accent, "209", "11").(lipgloss.CompleteAdaptiveColor)
	if !ok {
		t.Fatal("ansi256 profile should yield lipgloss.CompleteAdaptiveColor")
	}
	if complete.Dark.ANSI256 != "209" || complete.Light.ANSI != "11" {
		t.Fatalf("complete adaptive color = %#v", complete)
	}
}
