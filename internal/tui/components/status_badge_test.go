package components

import (
	"strings"
	"testing"

	"github.com/chatrelay/chatworker/internal/control"
)

func TestRenderStatusBadgeVariants(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		state control.State
		icon  string
		label string
	}{
		{state: control.StateIdle, icon: "○", label: "IDLE"},
		{state: control.StateConnected, icon: "✓", label: "CONNECTED"},
		{state: control.StateBusy, icon: "●", label: "BUSY"},
		{state: control.StateError, icon: "✗", label: "ERROR"},
		{state: control.StateStopped, icon: "■", label: "STOPPED"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(string(testCase.state), func(t *testing.T) {
			t.Parallel()

			rendered := RenderStatusBadge(testCase.state)
			expected := testCase.icon + " " + testCase.label
			if !strings.Contains(rendered, expected) {
				t.Fatalf("rendered badge %q does not include %q", rendered, expected)
			}
		})
	}
}

func TestRenderStatusBadgeOptionsAndUnknownState(t *testing.T) {
	t.Parallel()

	if rendered := RenderStatusBadge(control.StateBusy, WithBadgeIcon(false)); strings.Contains(rendered, "●") {
		t.Fatalf("icon should be hidden, got %q", rendered)
	}
	if rendered := RenderStatusBadge(" Connected "); !strings.Contains(rendered, "CONNECTED") {
		t.Fatalf("state should be normalized, got %q", rendered)
	}
	if rendered := RenderStatusBadge("rebooting"); !strings.Contains(rendered, "⚠ REBOOTING") {
		t.Fatalf("unknown state rendered %q", rendered)
	}
	if rendered := RenderStatusBadge(""); !strings.Contains(rendered, "UNKNOWN") {
		t.Fatalf("empty state rendered %q", rendered)
	}
}
