// Package copilot describes copilot.microsoft.com.
package copilot

import (
	"time"

	"github.com/chatrelay/chatworker/internal/site"
)

// Name is the registry key for this site.
const Name = "copilot"

// StartURL opens a fresh conversation.
const StartURL = "https://copilot.microsoft.com/"

// responseTurns resolves the assistant turns, falling back to a scan of every
// data-testid that looks like a response.
const responseTurns = `
  const turnSelectors = [
    '[data-testid*="response"]',
    '[data-testid*="assistant-message"]',
    '[data-testid*="bot-message"]',
    '[data-testid*="turn-"][data-testid*="-response"]',
    '.response-turn',
    '[data-content="ai-message"]',
  ];
  const responseTurns = () => {
    for (const sel of turnSelectors) {
      const els = document.querySelectorAll(sel);
      if (els.length > 0) return Array.from(els);
    }
    return Array.from(document.querySelectorAll('[data-testid]')).filter((el) => {
      const tid = el.getAttribute('data-testid') || '';
      return (tid.includes('response') || tid.includes('assistant') || tid.includes('bot-message')) &&
        !tid.includes('button') && !tid.includes('submit');
    });
  };`

// Profile returns the Copilot site profile.
func Profile() site.Profile {
	return site.Profile{
		Name:         Name,
		StartURL:     StartURL,
		PollInterval: 2 * time.Second,
		InputSelectors: []string{
			"#userInput",
			`textarea[data-testid="composer-input"]`,
			`textarea[placeholder*="Message Copilot"]`,
			`textarea[placeholder*="Message"]`,
			`textarea[role="textbox"]`,
			"textarea",
		},
		SendSelectors: []string{
			`button[data-testid="submit-button"]`,
			`button[aria-label="Submit message"]`,
			`button[aria-label="Submit"]`,
			`button[aria-label="Send"]`,
		},
		NewChatSelectors: []string{
			`button[data-testid="sidebar-new-conversation-button"]`,
			`button[aria-label="Start new chat"]`,
			`button[aria-label="New chat"]`,
		},
		GeneratingScript: `
  const stopBtn = document.querySelector('button[data-testid="stop-button"], button[aria-label="Stop generating"], button[aria-label*="Stop"]');
  if (visible(stopBtn)) return true;
  const submitBtn = document.querySelector('button[data-testid="submit-button"]');
  if (submitBtn && (submitBtn.getAttribute('aria-label') || '').toLowerCase().includes('stop')) return true;
  return visible(document.querySelector('[class*="streaming"], [class*="typing"], [class*="loading-indicator"], [class*="cursor-blink"]'));`,
		TurnCountScript: responseTurns + `
  return responseTurns().length;`,
		LatestTextScript: responseTurns + `
  const turns = responseTurns();
  if (turns.length > 0) return (turns[turns.length - 1].textContent || '').trim();
  const prose = document.querySelectorAll('[class*="prose"], [class*="markdown"], [class*="rendered"]');
  for (let i = prose.length - 1; i >= 0; i--) {
    const text = (prose[i].textContent || '').trim();
    if (text.length > 5) return text;
  }
  return '';`,
	}
}
