package site

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInputNotFound is returned when the prompt input surface cannot be located.
var ErrInputNotFound = errors.New("input not found")

// RefAttribute is the DOM attribute used to pin located elements between calls.
const RefAttribute = "data-chatworker-ref"

// ElementKind describes how text must be written into an element.
type ElementKind string

const (
	// ElementTextarea is a plain <textarea>, written through the native value setter.
	ElementTextarea ElementKind = "textarea"
	// ElementLexical is a Lexical rich-text editor root.
	ElementLexical ElementKind = "lexical"
	// ElementContentEditable is any other contenteditable host.
	ElementContentEditable ElementKind = "contenteditable"
	// ElementButton is a clickable control.
	ElementButton ElementKind = "button"
)

// Element is a handle to one located element in the live page.
type Element struct {
	Ref  string
	Kind ElementKind
}

// Selector returns the CSS selector that resolves the pinned element.
func (e *Element) Selector() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf(`[%s=%q]`, RefAttribute, e.Ref)
}

// Adapter is the per-site capability set the engine drives.
//
// A nil element with a nil error from a Find method means "not present".
// LatestResponseText returns "" when no response block exists yet.
type Adapter interface {
	Name() string
	FindInputArea(ctx context.Context) (*Element, error)
	FindSendButton(ctx context.Context) (*Element, error)
	IsGenerating(ctx context.Context) (bool, error)
	ResponseTurnCount(ctx context.Context) (int, error)
	LatestResponseText(ctx context.Context) (string, error)
	Focus(ctx context.Context, element *Element) error
	Submit(ctx context.Context, element *Element, text string) error
	Click(ctx context.Context, element *Element) error
	PressEnter(ctx context.Context, element *Element) error
	StartNewChat(ctx context.Context) (bool, error)
}

// PhaseReporter is implemented by adapters whose latest message block carries a
// phase tag (thinking, search, answer). Only the answer phase counts toward stability.
type PhaseReporter interface {
	LatestIsAnswer(ctx context.Context) (bool, error)
}

// Evaluator runs JavaScript in the live page and drives top-level navigation.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out any) error
	Navigate(ctx context.Context, url string) error
}

// Profile holds everything that differs between target chat sites.
type Profile struct {
	Name     string
	StartURL string
	// PollInterval overrides the detector poll interval for this site when > 0.
	PollInterval time.Duration

	InputSelectors   []string
	SendSelectors    []string
	NewChatSelectors []string
	// SendShapeFallback accepts any visible, enabled icon button 20-60px wide
	// when no send selector matches.
	SendShapeFallback bool

	// Script bodies are wrapped in an IIFE; each must `return` a value.
	GeneratingScript  string
	TurnCountScript   string
	LatestTextScript  string
	AnswerPhaseScript string
}

// Validate reports the first missing required profile field.
func (p Profile) Validate() error {
	switch {
	case p.Name == "":
		return errors.New("profile name is required")
	case p.StartURL == "":
		return fmt.Errorf("profile %s: start url is required", p.Name)
	case len(p.InputSelectors) == 0:
		return fmt.Errorf("profile %s: input selectors are required", p.Name)
	case p.GeneratingScript == "":
		return fmt.Errorf("profile %s: generating script is required", p.Name)
	case p.TurnCountScript == "":
		return fmt.Errorf("profile %s: turn count script is required", p.Name)
	case p.LatestTextScript == "":
		return fmt.Errorf("profile %s: latest text script is required", p.Name)
	}
	return nil
}
