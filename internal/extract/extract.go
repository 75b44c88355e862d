// Package extract recovers a structured JSON payload from free-form answer text.
//
// The pipeline is an ordered fallback chain; the first rule that yields valid
// JSON wins. It never fails: a rule that does not parse simply hands over to the
// next one, and when nothing parses the caller falls back to the raw text.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultMarkerKey is the object key that identifies the dispatcher's payload shape.
const DefaultMarkerKey = "p1"

// Kind classifies an extraction outcome.
type Kind int

const (
	// KindNone means no usable content was found.
	KindNone Kind = iota
	// KindStructured means Text holds a valid JSON object or array.
	KindStructured
	// KindPlainText means Text holds the trimmed raw answer.
	KindPlainText
)

func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindPlainText:
		return "text"
	default:
		return "none"
	}
}

// Result is the outcome of running the pipeline on one piece of text.
type Result struct {
	Kind Kind
	Text string
}

// Structured reports whether the result carries a JSON payload.
func (r Result) Structured() bool {
	return r.Kind == KindStructured
}

var (
	codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	arrayPattern     = regexp.MustCompile(`(?s)\[.*\]`)
	footnotePattern  = regexp.MustCompile(`\s*\[\d+\]\s*`)
	footnoteOnly     = regexp.MustCompile(`^\[\s*\d+\s*\]$`)
)

// Option configures an Extractor.
type Option func(*Extractor)

// WithMarkerKeys replaces the object keys used to anchor payload objects.
func WithMarkerKeys(keys ...string) Option {
	return func(e *Extractor) {
		markers := make([]*regexp.Regexp, 0, len(keys))
		for _, key := range keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			markers = append(markers, markerPattern(key))
		}
		if len(markers) > 0 {
			e.markers = markers
		}
	}
}

// Extractor runs the fallback chain with a fixed set of marker keys.
type Extractor struct {
	markers []*regexp.Regexp
}

// New builds an Extractor anchored on DefaultMarkerKey unless overridden.
func New(options ...Option) *Extractor {
	e := &Extractor{markers: []*regexp.Regexp{markerPattern(DefaultMarkerKey)}}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(e)
	}
	return e
}

var defaultExtractor = New()

// Extract runs the default pipeline. See Extractor.Extract.
func Extract(text string) Result {
	return defaultExtractor.Extract(text)
}

// Content runs the default pipeline with a plain-text fallback. See Extractor.Content.
func Content(text string) Result {
	return defaultExtractor.Content(text)
}

// Extract returns a KindStructured result when text is, or contains, valid JSON
// and KindNone otherwise.
func (e *Extractor) Extract(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}
	}
	if payload, ok := e.scan(trimmed); ok {
		return Result{Kind: KindStructured, Text: payload}
	}

	cleaned := strings.TrimSpace(footnotePattern.ReplaceAllString(trimmed, ""))
	if cleaned != "" && cleaned != trimmed {
		if payload, ok := e.scan(cleaned); ok {
			return Result{Kind: KindStructured, Text: payload}
		}
	}
	return Result{}
}

// Content is Extract with the raw trimmed text as the fallback.
func (e *Extractor) Content(text string) Result {
	if result := e.Extract(text); result.Structured() {
		return result
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}
	}
	return Result{Kind: KindPlainText, Text: trimmed}
}

func (e *Extractor) scan(text string) (string, bool) {
	if payload, ok := enclosed(text); ok {
		return payload, true
	}
	if payload, ok := fenced(text); ok {
		return payload, true
	}
	for _, marker := range e.markers {
		if payload, ok := anchoredObject(text, marker); ok {
			return payload, true
		}
	}
	return arrayShaped(text)
}

func enclosed(text string) (string, bool) {
	objectShaped := strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")
	listShaped := strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")
	if !objectShaped && !listShaped {
		return "", false
	}
	if !json.Valid([]byte(text)) {
		return "", false
	}
	return text, true
}

func fenced(text string) (string, bool) {
	match := codeFencePattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return "", false
	}
	inner := strings.TrimSpace(match[1])
	if inner == "" || !json.Valid([]byte(inner)) {
		return "", false
	}
	return inner, true
}

// anchoredObject returns the widest span from the first opening brace before
// the marker to the last closing brace after it when that span is valid JSON.
// Otherwise it returns the smallest valid object enclosing the marker.
func anchoredObject(text string, marker *regexp.Regexp) (string, bool) {
	loc := marker.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	first := strings.Index(text[:loc[0]], "{")
	last := strings.LastIndex(text, "}")
	if first >= 0 && last >= loc[1] {
		if candidate := text[first : last+1]; json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	for start := strings.LastIndex(text[:loc[0]], "{"); start >= 0; start = strings.LastIndex(text[:start], "{") {
		raw, ok := decodeOne(text[start:])
		if ok && start+len(raw) > loc[1] {
			return raw, true
		}
	}
	return "", false
}

func arrayShaped(text string) (string, bool) {
	candidate := arrayPattern.FindString(text)
	if candidate == "" || footnoteOnly.MatchString(candidate) {
		return "", false
	}
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

// decodeOne reads exactly one JSON value from the head of text.
func decodeOne(text string) (string, bool) {
	decoder := json.NewDecoder(strings.NewReader(text))
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return "", false
	}
	end := int(decoder.InputOffset())
	if end <= 0 || end > len(text) {
		return "", false
	}
	value := strings.TrimSpace(text[:end])
	if !strings.HasPrefix(value, "{") {
		return "", false
	}
	return value, true
}

func markerPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(key) + `"\s*:\s*\[`)
}
