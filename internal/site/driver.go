package site

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	newChatSettle       = 1500 * time.Millisecond
	navigationSettle    = 2500 * time.Millisecond
	newChatInputWait    = 8 * time.Second
	navigationInputWait = 10 * time.Second
	inputWaitStep       = 500 * time.Millisecond
)

// Driver implements Adapter for one site Profile by evaluating probes in the page.
type Driver struct {
	profile   Profile
	evaluator Evaluator
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDriver validates the profile and binds it to a page evaluator.
func NewDriver(profile Profile, evaluator Evaluator) (*Driver, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		profile:   profile,
		evaluator: evaluator,
		sleep:     Sleep,
	}, nil
}

// Name returns the profile name.
func (d *Driver) Name() string {
	return d.profile.Name
}

// Profile returns the site profile the driver was built from.
func (d *Driver) Profile() Profile {
	return d.profile
}

// FindInputArea pins the first visible input matching the profile selectors.
func (d *Driver) FindInputArea(ctx context.Context) (*Element, error) {
	var kind string
	if err := d.evaluator.Evaluate(ctx, findInputScript(d.profile.InputSelectors), &kind); err != nil {
		return nil, fmt.Errorf("%s: find input: %w", d.profile.Name, err)
	}
	if kind == "" {
		return nil, nil
	}
	return &Element{Ref: "input", Kind: ElementKind(kind)}, nil
}

// FindSendButton pins the first visible, enabled send control.
func (d *Driver) FindSendButton(ctx context.Context) (*Element, error) {
	if len(d.profile.SendSelectors) == 0 && !d.profile.SendShapeFallback {
		return nil, nil
	}
	return d.findButton(ctx, tagFindSend, "send", d.profile.SendSelectors, d.profile.SendShapeFallback)
}

// IsGenerating reports whether the page shows a stop control, streaming cursor, or thinking phase.
func (d *Driver) IsGenerating(ctx context.Context) (bool, error) {
	var generating bool
	if err := d.evaluator.Evaluate(ctx, bodyScript(tagGenerating, d.profile.GeneratingScript), &generating); err != nil {
		return false, fmt.Errorf("%s: probe generating: %w", d.profile.Name, err)
	}
	return generating, nil
}

// ResponseTurnCount returns the number of assistant response blocks on the page.
func (d *Driver) ResponseTurnCount(ctx context.Context) (int, error) {
	var count int
	if err := d.evaluator.Evaluate(ctx, bodyScript(tagTurnCount, d.profile.TurnCountScript), &count); err != nil {
		return 0, fmt.Errorf("%s: count turns: %w", d.profile.Name, err)
	}
	return count, nil
}

// LatestResponseText returns the trimmed text of the newest response block.
func (d *Driver) LatestResponseText(ctx context.Context) (string, error) {
	var text string
	if err := d.evaluator.Evaluate(ctx, bodyScript(tagLatestText, d.profile.LatestTextScript), &text); err != nil {
		return "", fmt.Errorf("%s: read latest response: %w", d.profile.Name, err)
	}
	return text, nil
}

// LatestIsAnswer reports whether the newest block is tagged as the answer phase.
// Profiles without phase tags always report true.
func (d *Driver) LatestIsAnswer(ctx context.Context) (bool, error) {
	if d.profile.AnswerPhaseScript == "" {
		return true, nil
	}
	var answer bool
	if err := d.evaluator.Evaluate(ctx, bodyScript(tagAnswerPhase, d.profile.AnswerPhaseScript), &answer); err != nil {
		return false, fmt.Errorf("%s: probe answer phase: %w", d.profile.Name, err)
	}
	return answer, nil
}

// Focus focuses a pinned element.
func (d *Driver) Focus(ctx context.Context, element *Element) error {
	return d.act(ctx, element, "focus", focusScript)
}

// Submit writes text into the element so that the page's change detection fires.
func (d *Driver) Submit(ctx context.Context, element *Element, text string) error {
	return d.act(ctx, element, "write", func(el *Element) string {
		return writeScript(el, text)
	})
}

// Click clicks a pinned element.
func (d *Driver) Click(ctx context.Context, element *Element) error {
	return d.act(ctx, element, "click", clickScript)
}

// PressEnter dispatches an Enter keydown on a pinned element.
func (d *Driver) PressEnter(ctx context.Context, element *Element) error {
	return d.act(ctx, element, "press enter", enterScript)
}

// StartNewChat resets the conversation: the new-chat control first, then a hard
// navigation to the start URL. It succeeds once the input surface is back.
func (d *Driver) StartNewChat(ctx context.Context) (bool, error) {
	if len(d.profile.NewChatSelectors) > 0 {
		button, err := d.findButton(ctx, tagFindNewChat, "new-chat", d.profile.NewChatSelectors, false)
		if err != nil {
			return false, err
		}
		if button != nil {
			if err := d.Click(ctx, button); err != nil {
				return false, err
			}
			if err := d.sleep(ctx, newChatSettle); err != nil {
				return false, err
			}
			ready, err := d.waitForInput(ctx, newChatInputWait)
			if err != nil || ready {
				return ready, err
			}
		}
	}

	if err := d.evaluator.Navigate(ctx, d.profile.StartURL); err != nil {
		return false, fmt.Errorf("%s: navigate to %s: %w", d.profile.Name, d.profile.StartURL, err)
	}
	if err := d.sleep(ctx, navigationSettle); err != nil {
		return false, err
	}
	return d.waitForInput(ctx, navigationInputWait)
}

func (d *Driver) findButton(ctx context.Context, tag, ref string, selectors []string, shapeFallback bool) (*Element, error) {
	var kind string
	if err := d.evaluator.Evaluate(ctx, findButtonScript(tag, ref, selectors, shapeFallback), &kind); err != nil {
		return nil, fmt.Errorf("%s: find %s button: %w", d.profile.Name, ref, err)
	}
	if kind == "" {
		return nil, nil
	}
	return &Element{Ref: ref, Kind: ElementKind(kind)}, nil
}

func (d *Driver) waitForInput(ctx context.Context, budget time.Duration) (bool, error) {
	for waited := time.Duration(0); waited < budget; waited += inputWaitStep {
		input, err := d.FindInputArea(ctx)
		if err != nil {
			return false, err
		}
		if input != nil {
			return true, nil
		}
		if err := d.sleep(ctx, inputWaitStep); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (d *Driver) act(ctx context.Context, element *Element, action string, script func(*Element) string) error {
	if element == nil {
		return fmt.Errorf("%s: %s: element is required", d.profile.Name, action)
	}
	var found bool
	if err := d.evaluator.Evaluate(ctx, script(element), &found); err != nil {
		return fmt.Errorf("%s: %s: %w", d.profile.Name, action, err)
	}
	if !found {
		return fmt.Errorf("%s: %s: element %s detached", d.profile.Name, action, element.Ref)
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Adapter       = (*Driver)(nil)
	_ PhaseReporter = (*Driver)(nil)
)
