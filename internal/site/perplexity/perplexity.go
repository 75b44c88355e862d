// Package perplexity describes www.perplexity.ai.
package perplexity

import (
	"time"

	"github.com/chatrelay/chatworker/internal/site"
)

// Name is the registry key for this site.
const Name = "perplexity"

// StartURL opens a fresh thread.
const StartURL = "https://www.perplexity.ai/"

const markdownContainers = `document.querySelectorAll('[id^="markdown-content-"]')`

// Profile returns the Perplexity site profile. The prompt box is a Lexical
// editor; the send control has no stable label in some locales, so icon
// buttons are accepted by shape.
func Profile() site.Profile {
	return site.Profile{
		Name:         Name,
		StartURL:     StartURL,
		PollInterval: 1500 * time.Millisecond,
		InputSelectors: []string{
			"#ask-input",
			`[data-lexical-editor="true"]`,
			`div[contenteditable="true"][role="textbox"]`,
			`div[contenteditable="true"][aria-placeholder*="Ask"]`,
			`textarea[placeholder*="Ask"]`,
			"textarea",
		},
		SendSelectors: []string{
			`button[aria-label="Submit"]`,
			`button[aria-label="提交"]`,
			`button[type="submit"]`,
			`button svg[data-icon="arrow-right"]`,
			`button svg path[d*="M4.5 11"]`,
		},
		SendShapeFallback: true,
		GeneratingScript: `
  const stopBtn = document.querySelector('button[aria-label*="Stop"]');
  if (visible(stopBtn) && !stopBtn.disabled) return true;
  return visible(document.querySelector('[class*="typing"], [class*="streaming"]'));`,
		TurnCountScript: `return ` + markdownContainers + `.length;`,
		LatestTextScript: `
  const containers = ` + markdownContainers + `;
  if (containers.length > 0) {
    const last = containers[containers.length - 1];
    const prose = last.querySelector('.prose') || last;
    return (prose.textContent || '').trim();
  }
  const prose = document.querySelectorAll('div.prose');
  if (prose.length > 0) return (prose[prose.length - 1].textContent || '').trim();
  return '';`,
	}
}
