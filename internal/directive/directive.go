// Package directive extracts tool-call directives from model output.
//
// A directive has the form
//
//	TOOL_CALL: navigate_to(url="https://example.com", timeout=10)
//
// and must close its parenthesis on the line it starts. Values are
// single- or double-quoted with no escape processing, or bare literals.
// Nothing in the text is ever evaluated.
package directive

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Marker introduces a directive.
const Marker = "TOOL_CALL:"

// ToolCall is one extracted directive. Argument values are bool, int64,
// float64 or string.
type ToolCall struct {
	Name      string
	Arguments map[string]any

	// Raw holds each argument as written, before coercion.
	Raw map[string]string
}

// WithStringArgs returns the arguments with the named keys set back to
// their text as written. Keys the call does not carry are ignored.
func (c ToolCall) WithStringArgs(keys []string) map[string]any {
	out := make(map[string]any, len(c.Arguments))
	for k, v := range c.Arguments {
		out[k] = v
	}
	for _, k := range keys {
		if raw, ok := c.Raw[k]; ok {
			out[k] = raw
		}
	}
	return out
}

// FormatArgs renders the arguments as key=value pairs sorted by key,
// quoting strings.
func (c ToolCall) FormatArgs() string {
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		switch v := c.Arguments[k].(type) {
		case string:
			parts[i] = k + "=" + strconv.Quote(v)
		default:
			parts[i] = fmt.Sprintf("%s=%v", k, v)
		}
	}
	return strings.Join(parts, ", ")
}

// String renders the call in directive syntax, for logs.
func (c ToolCall) String() string {
	return c.Name + "(" + c.FormatArgs() + ")"
}

// ExtractionError describes one directive that could not be parsed.
// The directive is skipped; extraction continues after it.
type ExtractionError struct {
	Line    int    // 1-based line of the marker
	Column  int    // 1-based byte column of the marker
	Snippet string // the directive text up to end of line
	Reason  string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("line %d col %d: %s: %q", e.Line, e.Column, e.Reason, e.Snippet)
}

// Extract returns every well-formed directive in text, in source order,
// plus one error for each directive that failed to parse.
func Extract(text string) ([]ToolCall, []*ExtractionError) {
	var (
		calls []ToolCall
		errs  []*ExtractionError
	)

	pos := 0
	for {
		i := strings.Index(text[pos:], Marker)
		if i < 0 {
			break
		}
		start := pos + i

		p := &parser{src: text, pos: start + len(Marker)}
		call, err := p.directive()
		if err != nil {
			errs = append(errs, newError(text, start, err.Error()))
			pos = start + len(Marker)
			continue
		}

		calls = append(calls, call)
		pos = p.pos
	}

	return calls, errs
}

func newError(text string, start int, reason string) *ExtractionError {
	line := 1 + strings.Count(text[:start], "\n")
	lineStart := strings.LastIndex(text[:start], "\n") + 1

	end := strings.IndexByte(text[start:], '\n')
	if end < 0 {
		end = len(text) - start
	}
	snippet := strings.TrimRight(text[start:start+end], "\r")

	return &ExtractionError{
		Line:    line,
		Column:  start - lineStart + 1,
		Snippet: snippet,
		Reason:  reason,
	}
}

// parser walks one directive. Every method stops at end of line.
type parser struct {
	src string
	pos int
}

func (p *parser) eol() bool {
	return p.pos >= len(p.src) || p.src[p.pos] == '\n'
}

func (p *parser) peek() byte {
	if p.eol() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eol() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func (p *parser) word() string {
	start := p.pos
	for !p.eol() && isWordByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) directive() (ToolCall, error) {
	p.skipSpace()
	name := p.word()
	if name == "" {
		return ToolCall{}, fmt.Errorf("missing tool name")
	}

	p.skipSpace()
	if p.peek() != '(' {
		return ToolCall{}, fmt.Errorf("expected '(' after %s", name)
	}
	p.pos++

	args := map[string]any{}
	raws := map[string]string{}
	for {
		p.skipSpace()
		if p.eol() {
			return ToolCall{}, fmt.Errorf("missing ')'")
		}
		if p.peek() == ')' {
			p.pos++
			return ToolCall{Name: name, Arguments: args, Raw: raws}, nil
		}

		key := p.word()
		if key == "" {
			return ToolCall{}, fmt.Errorf("invalid argument name at %q", p.rest())
		}
		if _, dup := args[key]; dup {
			return ToolCall{}, fmt.Errorf("duplicate argument %q", key)
		}

		p.skipSpace()
		if p.peek() != '=' {
			return ToolCall{}, fmt.Errorf("expected '=' after %s", key)
		}
		p.pos++
		p.skipSpace()

		raw, err := p.value()
		if err != nil {
			return ToolCall{}, fmt.Errorf("argument %s: %w", key, err)
		}
		args[key] = Coerce(raw)
		raws[key] = raw

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			// closed on the next iteration
		default:
			if p.eol() {
				return ToolCall{}, fmt.Errorf("missing ')'")
			}
			return ToolCall{}, fmt.Errorf("expected ',' or ')' after %s", key)
		}
	}
}

// value reads a quoted or bare value and returns it without quotes.
func (p *parser) value() (string, error) {
	switch q := p.peek(); q {
	case '"', '\'':
		p.pos++
		start := p.pos
		for !p.eol() && p.src[p.pos] != q {
			p.pos++
		}
		if p.eol() {
			return "", fmt.Errorf("unbalanced %c quote", q)
		}
		v := p.src[start:p.pos]
		p.pos++
		return v, nil
	default:
		start := p.pos
		for !p.eol() && p.src[p.pos] != ',' && p.src[p.pos] != ')' {
			c := p.src[p.pos]
			if c == '"' || c == '\'' {
				return "", fmt.Errorf("stray %c quote", c)
			}
			p.pos++
		}
		v := strings.TrimSpace(p.src[start:p.pos])
		if v == "" {
			return "", fmt.Errorf("missing value")
		}
		return v, nil
	}
}

func (p *parser) rest() string {
	end := strings.IndexByte(p.src[p.pos:], '\n')
	if end < 0 {
		return p.src[p.pos:]
	}
	return p.src[p.pos : p.pos+end]
}

var decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// Coerce converts a raw argument value. The first rule that matches wins:
// true/false (any case) to bool, all digits to int64, a decimal number
// to float64, anything else stays a string.
func Coerce(raw string) any {
	if strings.EqualFold(raw, "true") {
		return true
	}
	if strings.EqualFold(raw, "false") {
		return false
	}
	if allDigits(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	if decimalRe.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
