// Package qwen describes chat.qwen.ai.
package qwen

import (
	"time"

	"github.com/chatrelay/chatworker/internal/site"
)

// Name is the registry key for this site.
const Name = "qwen"

// StartURL opens a fresh conversation.
const StartURL = "https://chat.qwen.ai/"

const assistantMessages = `document.querySelectorAll('.qwen-chat-message-assistant')`

// Profile returns the Qwen site profile.
//
// The latest assistant block carries a phase class; thinking and search phases
// count as generating and only phase-answer text is eligible for stabilization.
func Profile() site.Profile {
	return site.Profile{
		Name:         Name,
		StartURL:     StartURL,
		PollInterval: 1500 * time.Millisecond,
		InputSelectors: []string{
			"textarea.message-input-textarea",
			`textarea[placeholder*="幫您"]`,
			`textarea[placeholder*="help"]`,
			"textarea",
		},
		SendSelectors: []string{
			"button.send-button:not(.disabled)",
			"button.send-button",
		},
		GeneratingScript: `
  const sendBtn = document.querySelector('button.send-button');
  if (sendBtn) {
    if (sendBtn.classList.contains('stop') || sendBtn.classList.contains('loading')) return true;
    if (sendBtn.querySelector('.icon-stop, [class*="stop"], [class*="square"]')) return true;
  }
  if (document.querySelector('.response-message-content.phase-thinking')) return true;
  if (document.querySelector('.response-message-content.phase-search')) return true;
  return !!document.querySelector('.custom-qwen-markdown .cursor, .custom-qwen-markdown .blinking-cursor');`,
		TurnCountScript: `return ` + assistantMessages + `.length;`,
		LatestTextScript: `
  const msgs = ` + assistantMessages + `;
  if (msgs.length === 0) return '';
  const last = msgs[msgs.length - 1];
  const body = last.querySelector('.custom-qwen-markdown') || last.querySelector('.response-message-content');
  return body ? (body.textContent || '').trim() : '';`,
		AnswerPhaseScript: `
  const msgs = ` + assistantMessages + `;
  if (msgs.length === 0) return false;
  const phase = msgs[msgs.length - 1].querySelector('.response-message-content');
  return !!phase && phase.classList.contains('phase-answer');`,
	}
}
