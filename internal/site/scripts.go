package site

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Script tags prefix every generated script so logs and test fakes can tell them apart.
const (
	tagFindInput   = "/* chatworker:find-input */"
	tagFindSend    = "/* chatworker:find-send */"
	tagFindNewChat = "/* chatworker:find-new-chat */"
	tagGenerating  = "/* chatworker:generating */"
	tagTurnCount   = "/* chatworker:turn-count */"
	tagLatestText  = "/* chatworker:latest-text */"
	tagAnswerPhase = "/* chatworker:answer-phase */"
	tagFocus       = "/* chatworker:focus */"
	tagWrite       = "/* chatworker:write */"
	tagClick       = "/* chatworker:click */"
	tagEnter       = "/* chatworker:enter */"
)

const domHelpers = `
  const visible = (el) => !!el && el.offsetParent !== null;
  const pin = (el, ref) => {
    document.querySelectorAll('[` + RefAttribute + `="' + ref + '"]').forEach((old) => old.removeAttribute('` + RefAttribute + `'));
    el.setAttribute('` + RefAttribute + `', ref);
  };`

func wrap(tag, body string) string {
	return tag + "(function(){" + domHelpers + "\n" + body + "\n})()"
}

func jsValue(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func findInputScript(selectors []string) string {
	return wrap(tagFindInput, fmt.Sprintf(`
  const selectors = %s;
  for (const sel of selectors) {
    const el = document.querySelector(sel);
    if (!visible(el)) continue;
    pin(el, 'input');
    if (el.hasAttribute('data-lexical-editor') || el.id === 'ask-input') return '%s';
    if (el.tagName === 'TEXTAREA') return '%s';
    return '%s';
  }
  return '';`, jsValue(selectors), ElementLexical, ElementTextarea, ElementContentEditable))
}

func findButtonScript(tag, ref string, selectors []string, shapeFallback bool) string {
	return wrap(tag, fmt.Sprintf(`
  const selectors = %s;
  for (const sel of selectors) {
    for (const el of document.querySelectorAll(sel)) {
      const btn = el.tagName === 'BUTTON' ? el : el.closest('button');
      if (visible(btn) && !btn.disabled) { pin(btn, %s); return '%s'; }
    }
  }
  if (%t) {
    for (const btn of document.querySelectorAll('button')) {
      if (!visible(btn) || btn.disabled || !btn.querySelector('svg')) continue;
      const rect = btn.getBoundingClientRect();
      if (rect.width > 20 && rect.width < 60) { pin(btn, %s); return '%s'; }
    }
  }
  return '';`, jsValue(selectors), jsValue(ref), ElementButton, shapeFallback, jsValue(ref), ElementButton))
}

func bodyScript(tag, body string) string {
	return wrap(tag, strings.TrimSpace(body))
}

func focusScript(element *Element) string {
	return wrap(tagFocus, fmt.Sprintf(`
  const el = document.querySelector(%s);
  if (!el) return false;
  el.focus();
  return true;`, jsValue(element.Selector())))
}

func clickScript(element *Element) string {
	return wrap(tagClick, fmt.Sprintf(`
  const el = document.querySelector(%s);
  if (!el) return false;
  el.click();
  return true;`, jsValue(element.Selector())))
}

func enterScript(element *Element) string {
	return wrap(tagEnter, fmt.Sprintf(`
  const el = document.querySelector(%s);
  if (!el) return false;
  el.dispatchEvent(new KeyboardEvent('keydown', {
    key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true,
  }));
  return true;`, jsValue(element.Selector())))
}

// writeScript sets the element's content in a way the page framework observes:
// the prototype value setter for textareas, synthetic InputEvents for editors.
func writeScript(element *Element, text string) string {
	return wrap(tagWrite, fmt.Sprintf(`
  const el = document.querySelector(%s);
  if (!el) return false;
  const text = %s;
  const kind = %s;
  if (kind === '%s') {
    el.innerHTML = '';
    const p = document.createElement('p');
    const span = document.createElement('span');
    span.textContent = text;
    p.appendChild(span);
    el.appendChild(p);
    el.dispatchEvent(new InputEvent('input', { bubbles: true, composed: true, inputType: 'insertText', data: text }));
    return true;
  }
  if (kind === '%s') {
    const setter = Object.getOwnPropertyDescriptor(window.HTMLTextAreaElement.prototype, 'value').set;
    setter.call(el, text);
    el.dispatchEvent(new Event('input', { bubbles: true, composed: true }));
    el.dispatchEvent(new Event('change', { bubbles: true, composed: true }));
    return true;
  }
  el.textContent = text;
  el.dispatchEvent(new InputEvent('input', { bubbles: true, composed: true, inputType: 'insertText', data: text }));
  return true;`, jsValue(element.Selector()), jsValue(text), jsValue(string(element.Kind)),
		ElementLexical, ElementTextarea))
}
