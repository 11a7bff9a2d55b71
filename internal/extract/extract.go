package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const fence = "```"

// Error is returned when generated text cannot be reduced to a JSON value.
// Raw holds the unmodified model output for diagnostics.
type Error struct {
	Reason string
	Raw    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return "extraction failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultListFields are the keys whose values must be arrays.
var DefaultListFields = []string{"pain_points"}

// Extractor pulls the first JSON object out of free-form model output.
type Extractor struct {
	// ListFields names keys whose curly-brace set literals are rewritten
	// as arrays during repair.
	ListFields []string

	// QuoteAware makes the brace scanner skip braces inside string literals.
	// Off by default: a literal brace in a value can close the object early.
	QuoteAware bool

	setLiteral *regexp.Regexp
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithListFields overrides the keys eligible for set-literal repair.
func WithListFields(fields ...string) Option {
	return func(e *Extractor) { e.ListFields = fields }
}

// WithQuoteAware enables string-aware brace scanning.
func WithQuoteAware() Option {
	return func(e *Extractor) { e.QuoteAware = true }
}

// New creates an Extractor with the default list fields.
func New(opts ...Option) *Extractor {
	e := &Extractor{ListFields: DefaultListFields}
	for _, o := range opts {
		o(e)
	}
	if len(e.ListFields) > 0 {
		quoted := make([]string, len(e.ListFields))
		for i, f := range e.ListFields {
			quoted[i] = regexp.QuoteMeta(f)
		}
		// A set literal holds comma-separated strings, or bare items with
		// no colon between its braces.
		e.setLiteral = regexp.MustCompile(`("(?:` + strings.Join(quoted, "|") + `)"\s*:\s*)\{(` +
			`\s*` + jsonString + `(?:\s*,\s*` + jsonString + `)*\s*` +
			`|[^{}:"]*)\}`)
	}
	return e
}

var defaultExtractor = New()

// Object extracts a JSON object from raw using the default Extractor.
func Object(raw string) (map[string]any, error) {
	return defaultExtractor.Object(raw)
}

// Object returns the first JSON object found in raw.
func (e *Extractor) Object(raw string) (map[string]any, error) {
	text := StripFences(raw)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, &Error{Reason: "no JSON object found", Raw: raw}
	}

	end := e.matchBrace(text, start)
	if end < 0 {
		return nil, &Error{Reason: "unmatched braces", Raw: raw}
	}
	candidate := text[start : end+1]

	var obj map[string]any
	err := json.Unmarshal([]byte(candidate), &obj)
	if err == nil {
		return obj, nil
	}

	if repaired := e.Repair(candidate); repaired != candidate {
		obj = nil
		if err = json.Unmarshal([]byte(repaired), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, &Error{Reason: "invalid JSON after repair", Raw: raw, Err: err}
}

// matchBrace returns the index of the '}' closing the '{' at start, or -1.
func (e *Extractor) matchBrace(s string, start int) int {
	depth := 0
	inString, escape := false, false
	for i := start; i < len(s); i++ {
		b := s[i]
		if e.QuoteAware {
			if escape {
				escape = false
				continue
			}
			if inString {
				switch b {
				case '\\':
					escape = true
				case '"':
					inString = false
				}
				continue
			}
			if b == '"' {
				inString = true
				continue
			}
		}
		switch b {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

const jsonString = `"(?:[^"\\]|\\.)*"`

var bareRange = regexp.MustCompile(`(:\s*)(\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?)(\s*[,}\]\n])`)

// Repair applies the targeted syntax fixes: set literals on list fields
// become arrays and bare numeric ranges become strings. Ranges are only
// rewritten outside string literals.
func (e *Extractor) Repair(s string) string {
	if e.setLiteral != nil {
		s = e.setLiteral.ReplaceAllString(s, "${1}[${2}]")
	}

	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for len(s) > 0 {
		i := strings.IndexByte(s, '"')
		if i < 0 {
			sb.WriteString(bareRange.ReplaceAllString(s, `${1}"${2}"${3}`))
			break
		}
		sb.WriteString(bareRange.ReplaceAllString(s[:i], `${1}"${2}"${3}`))
		end := stringEnd(s, i)
		sb.WriteString(s[i:end])
		s = s[end:]
	}
	return sb.String()
}

// stringEnd returns the index just past the string literal opening at
// start, or len(s) when it is unterminated.
func stringEnd(s string, start int) int {
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(s)
}

// StripFences trims whitespace and drops a leading and/or trailing fence line.
func StripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, fence) {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = ""
		}
	}
	if strings.HasSuffix(text, fence) {
		if i := strings.LastIndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		} else {
			text = ""
		}
	}
	return text
}

var firstArray = regexp.MustCompile(`(?s)\[.*?\]`)

// Array parses raw as a JSON array, falling back to the first bracketed
// block when the whole text is not valid JSON.
func Array(raw string) ([]any, error) {
	text := StripFences(raw)

	var arr []any
	if err := json.Unmarshal([]byte(text), &arr); err == nil {
		return arr, nil
	}

	m := firstArray.FindString(text)
	if m == "" {
		return nil, &Error{Reason: "no JSON array found", Raw: raw}
	}
	if err := json.Unmarshal([]byte(m), &arr); err != nil {
		return nil, &Error{Reason: "invalid JSON array", Raw: raw, Err: err}
	}
	return arr, nil
}
