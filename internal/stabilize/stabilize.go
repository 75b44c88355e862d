// Package stabilize decides when an answer that is still being rendered has settled.
//
// The detector repeatedly observes a live page. An answer is accepted once the
// same content key (the extracted structured payload, else the raw text) has been
// seen on Threshold consecutive eligible observations.
package stabilize

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chatrelay/chatworker/internal/extract"
	"github.com/chatrelay/chatworker/internal/site"
)

// ErrResponseTimeout is returned when no stable answer appears before the deadline.
var ErrResponseTimeout = errors.New("response timeout")

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultTimeout      = 15 * time.Second
	DefaultThreshold    = 2
	DefaultMinLength    = 5
)

// Page is the subset of a site adapter the detector observes.
type Page interface {
	IsGenerating(ctx context.Context) (bool, error)
	ResponseTurnCount(ctx context.Context) (int, error)
	LatestResponseText(ctx context.Context) (string, error)
}

// Baseline is the page snapshot taken before the prompt was submitted.
type Baseline struct {
	TurnCount int
	Text      string
}

// Observation is one evaluated poll of the page.
type Observation struct {
	At            time.Time
	Generating    bool
	ResponseCount int
	RawText       string
	Extracted     extract.Result
	StableCount   int
}

// ObservationHook receives every observation the detector evaluates.
type ObservationHook func(Observation)

// Config tunes the detector. Zero durations and threshold take the package
// defaults; MinLength is used as given and counts characters, not bytes.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Threshold    int
	MinLength    int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultTimeout,
		Threshold:    DefaultThreshold,
		MinLength:    DefaultMinLength,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinLength < 0 {
		c.MinLength = 0
	}
	return c
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source and the sleeper used between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithExtractor replaces the extraction pipeline used to compute content keys.
func WithExtractor(extractor *extract.Extractor) Option {
	return func(d *Detector) {
		if extractor != nil {
			d.extractor = extractor
		}
	}
}

// WithObservationHook registers a callback for every evaluated observation.
func WithObservationHook(hook ObservationHook) Option {
	return func(d *Detector) {
		d.hook = hook
	}
}

// Detector runs the stabilization algorithm.
type Detector struct {
	config    Config
	extractor *extract.Extractor
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	hook      ObservationHook
}

// New returns a detector for config.
func New(config Config, options ...Option) *Detector {
	d := &Detector{
		config:    config.withDefaults(),
		extractor: extract.New(),
		now:       time.Now,
		sleep:     site.Sleep,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Wait polls page until an answer different from baseline settles.
//
// Generating resets the stability counter. While the page reports a non-answer
// phase (see site.PhaseReporter) the counter is held at zero, unless generation
// was observed and has since stopped. A changed content key restarts the count at 1.
func (d *Detector) Wait(ctx context.Context, page Page, baseline Baseline) (extract.Result, error) {
	if page == nil {
		return extract.Result{}, errors.New("page is required")
	}
	phases, _ := page.(site.PhaseReporter)

	var (
		stableCount   int
		lastContent   string
		haveLast      bool
		wasGenerating bool
	)
	deadline := d.now().Add(d.config.Timeout)

	for d.now().Before(deadline) {
		if err := d.sleep(ctx, d.config.PollInterval); err != nil {
			return extract.Result{}, err
		}

		generating, err := page.IsGenerating(ctx)
		if err != nil {
			return extract.Result{}, fmt.Errorf("observe generating: %w", err)
		}
		if generating {
			wasGenerating = true
			stableCount = 0
			d.report(Observation{At: d.now(), Generating: true})
			continue
		}

		count, err := page.ResponseTurnCount(ctx)
		if err != nil {
			return extract.Result{}, fmt.Errorf("observe turn count: %w", err)
		}
		text, err := page.LatestResponseText(ctx)
		if err != nil {
			return extract.Result{}, fmt.Errorf("observe latest response: %w", err)
		}

		observation := Observation{At: d.now(), ResponseCount: count, RawText: text}

		isNewTurn := count > baseline.TurnCount
		isNewContent := text != "" && text != baseline.Text
		generationJustEnded := wasGenerating
		if text == "" || utf8.RuneCountInString(text) <= d.config.MinLength || !(isNewTurn || isNewContent || generationJustEnded) {
			observation.StableCount = stableCount
			d.report(observation)
			continue
		}

		if phases != nil && !generationJustEnded {
			answer, err := phases.LatestIsAnswer(ctx)
			if err != nil {
				return extract.Result{}, fmt.Errorf("observe answer phase: %w", err)
			}
			if !answer {
				stableCount = 0
				d.report(observation)
				continue
			}
		}

		content := d.extractor.Content(text)
		observation.Extracted = content
		if haveLast && content.Text == lastContent {
			stableCount++
		} else {
			lastContent = content.Text
			haveLast = true
			stableCount = 1
		}
		observation.StableCount = stableCount
		d.report(observation)

		if stableCount >= d.config.Threshold {
			return content, nil
		}
	}
	return extract.Result{}, ErrResponseTimeout
}

func (d *Detector) report(observation Observation) {
	if d.hook != nil {
		d.hook(observation)
	}
}
