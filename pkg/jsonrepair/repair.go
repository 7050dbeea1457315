// Package jsonrepair recovers valid JSON from free-form LLM output.
//
// LLMs routinely emit JSON that is truncated mid-structure, quoted with the
// wrong quote character, or littered with trailing commas and raw newlines
// inside string literals. The repair pipeline applies a fixed sequence of
// idempotent passes, each of which leaves well-formed string literals
// untouched, and stops as soon as the result parses.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxAttempts bounds how many full repair rounds Repair runs before
// giving up.
const DefaultMaxAttempts = 3

// maxInputSize is the hard cap on input length. Larger payloads are refused
// outright rather than scanned.
const maxInputSize = 1 << 20

// ErrInputTooLarge is returned when the input exceeds maxInputSize.
var ErrInputTooLarge = errors.New("input exceeds repair size cap")

// RepairError reports input that could not be repaired into valid JSON.
type RepairError struct {
	Detail  string
	Snippet string
}

func (e *RepairError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("json repair failed: %s", e.Detail)
	}
	return fmt.Sprintf("json repair failed: %s (near %q)", e.Detail, e.Snippet)
}

// repairPasses run in a fixed order; each is idempotent and skips anything
// that would corrupt a string literal.
var repairPasses = []struct {
	name string
	fn   func(string) string
}{
	{"balance-closers", balanceClosers},
	{"single-quotes", normalizeSingleQuotes},
	{"control-chars", escapeControlChars},
	{"trailing-commas", stripTrailingCommas},
	{"missing-commas", insertMissingCommas},
	{"unquoted-keys", quoteUnquotedKeys},
}

// Repair returns text repaired into parseable JSON, or a *RepairError when
// no sequence of repairs produces a valid document.
func Repair(text string) (string, error) {
	return RepairAttempts(text, DefaultMaxAttempts)
}

// RepairAttempts is Repair with an explicit round bound. Each round applies
// every pass in order; the loop exits early on the first valid result or
// when a full round makes no further progress.
func RepairAttempts(text string, maxAttempts int) (string, error) {
	if len(text) > maxInputSize {
		return "", ErrInputTooLarge
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	s := strings.TrimSpace(text)
	if s == "" {
		return "", &RepairError{Detail: "empty input"}
	}
	if json.Valid([]byte(s)) {
		return s, nil
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		prev := s
		for _, pass := range repairPasses {
			s = pass.fn(s)
			if json.Valid([]byte(s)) {
				return s, nil
			}
		}
		if s == prev {
			break
		}
	}
	return "", &RepairError{Detail: "unrecoverable input", Snippet: snippet(s)}
}

// SafeUnmarshal parses text into v, applying repair only after a direct
// parse fails.
func SafeUnmarshal(text string, v any) error {
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	repaired, err := Repair(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return &RepairError{Detail: fmt.Sprintf("repaired text does not match target: %v", err), Snippet: snippet(repaired)}
	}
	return nil
}

// Decode extracts the most plausible JSON payload from free-form text and
// unmarshals it into v, repairing when necessary. This is the entry point
// for parsing whole LLM responses rather than bare JSON strings.
func Decode(text string, v any) error {
	if js, ok := ExtractJSON(text); ok {
		return SafeUnmarshal(js, v)
	}
	// No balanced payload — likely truncated output. Hand the tail from the
	// first opener to the repair pipeline, which closes open structures.
	if i := strings.IndexAny(text, "{["); i >= 0 {
		return SafeUnmarshal(text[i:], v)
	}
	return &RepairError{Detail: "no JSON payload found", Snippet: snippet(text)}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// balanceClosers appends the closers missing from truncated input: an
// unterminated string literal is closed first, then open brackets and
// braces in reverse order of opening.
func balanceClosers(s string) string {
	var stack []byte
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if esc {
				esc = false
				continue
			}
			switch c {
			case '\\':
				esc = true
			case '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inStr && len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(stack) + 1)
	if inStr && esc {
		// Input ended on a dangling backslash; closing the quote after it
		// would just extend the string. Drop the backslash.
		b.WriteString(s[:len(s)-1])
	} else {
		b.WriteString(s)
	}
	if inStr {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// normalizeSingleQuotes rewrites single-quoted string literals to
// double-quoted ones. A quote only counts as a string delimiter when it
// appears where a JSON string may begin; apostrophes inside double-quoted
// strings are never touched, and an unterminated single-quoted string is
// left alone.
func normalizeSingleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var lastSig byte // last significant structural byte outside strings
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			j := scanString(s, i)
			b.WriteString(s[i:j])
			lastSig = '"'
			i = j
		case c == '\'' && stringMayStart(lastSig):
			end, content, ok := scanSingleQuoted(s, i)
			if !ok {
				b.WriteByte(c)
				i++
				continue
			}
			b.WriteByte('"')
			b.WriteString(escapeForDoubleQuotes(content))
			b.WriteByte('"')
			lastSig = '"'
			i = end + 1
		default:
			if !isWhitespace(c) {
				lastSig = c
			}
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// stringMayStart reports whether a string literal is syntactically allowed
// after the given structural byte (or at the start of input).
func stringMayStart(prev byte) bool {
	switch prev {
	case 0, '{', '[', ',', ':':
		return true
	}
	return false
}

// scanSingleQuoted consumes a single-quoted literal starting at s[start].
// It returns the index of the closing quote and the unescaped content.
func scanSingleQuoted(s string, start int) (end int, content string, ok bool) {
	var b strings.Builder
	esc := false
	for j := start + 1; j < len(s); j++ {
		c := s[j]
		if esc {
			if c != '\'' {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
			esc = false
			continue
		}
		switch c {
		case '\\':
			esc = true
		case '\'':
			return j, b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return 0, "", false
}

func escapeForDoubleQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if esc {
			b.WriteByte(c)
			esc = false
			continue
		}
		switch c {
		case '\\':
			b.WriteByte(c)
			esc = true
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// escapeControlChars escapes raw newlines, tabs, and other control
// characters that appear inside string literals.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inStr {
			if c == '"' {
				inStr = true
			}
			b.WriteByte(c)
			continue
		}
		if esc {
			b.WriteByte(c)
			esc = false
			continue
		}
		switch {
		case c == '\\':
			b.WriteByte(c)
			esc = true
		case c == '"':
			inStr = false
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// stripTrailingCommas removes commas that directly precede a closing
// bracket or brace.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '"' {
			j := scanString(s, i)
			b.WriteString(s[i:j])
			i = j
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isWhitespace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				i++
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// Structural parse states for the comma-insertion pass.
const (
	stWantKey = iota // object: expecting a key or '}'
	stWantColon
	stWantValue
	stAfterValue
)

// insertMissingCommas inserts the comma between two adjacent values in an
// array, or between a value and the next key in an object. Only positions
// where the repaired text stays plausible JSON are touched: in objects the
// next token must be a string key.
func insertMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	type frame struct {
		container byte
		state     int
	}
	var stack []frame
	top := func() *frame {
		if len(stack) == 0 {
			return nil
		}
		return &stack[len(stack)-1]
	}
	i := 0
	for i < len(s) {
		c := s[i]
		f := top()
		switch {
		case c == '"':
			if f != nil && f.state == stAfterValue {
				b.WriteByte(',')
				if f.container == '{' {
					f.state = stWantKey
				} else {
					f.state = stWantValue
				}
			}
			j := scanString(s, i)
			b.WriteString(s[i:j])
			i = j
			if f = top(); f != nil {
				if f.container == '{' && f.state == stWantKey {
					f.state = stWantColon
				} else {
					f.state = stAfterValue
				}
			}
		case c == '{' || c == '[':
			if f != nil && f.state == stAfterValue && f.container == '[' {
				b.WriteByte(',')
			}
			b.WriteByte(c)
			st := stWantValue
			if c == '{' {
				st = stWantKey
			}
			stack = append(stack, frame{container: c, state: st})
			i++
		case c == '}' || c == ']':
			b.WriteByte(c)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if f = top(); f != nil {
				f.state = stAfterValue
			}
			i++
		case c == ',':
			b.WriteByte(c)
			if f != nil {
				if f.container == '{' {
					f.state = stWantKey
				} else {
					f.state = stWantValue
				}
			}
			i++
		case c == ':':
			b.WriteByte(c)
			if f != nil && f.container == '{' {
				f.state = stWantValue
			}
			i++
		case isPrimitiveStart(c):
			if f != nil && f.state == stAfterValue {
				switch f.container {
				case '[':
					b.WriteByte(',')
					f.state = stWantValue
				case '{':
					// A bare token after a value inside an object marks a
					// missing comma only when it looks like the next key
					// (identifier followed by a colon).
					j := scanPrimitive(s, i)
					k := j
					for k < len(s) && isWhitespace(s[k]) {
						k++
					}
					if k < len(s) && s[k] == ':' {
						b.WriteByte(',')
						f.state = stWantKey
					}
				}
			}
			j := scanPrimitive(s, i)
			b.WriteString(s[i:j])
			i = j
			if f = top(); f != nil && f.state != stWantKey && f.state != stWantColon {
				f.state = stAfterValue
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// quoteUnquotedKeys wraps identifier-shaped object keys in double quotes.
// Only identifiers in key position followed by a colon are touched, so
// bare words in value position (true, false, null) survive.
func quoteUnquotedKeys(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	type frame struct {
		container byte
		expectKey bool
	}
	var stack []frame
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			j := scanString(s, i)
			b.WriteString(s[i:j])
			if n := len(stack); n > 0 {
				stack[n-1].expectKey = false
			}
			i = j
		case c == '{':
			b.WriteByte(c)
			stack = append(stack, frame{container: '{', expectKey: true})
			i++
		case c == '[':
			b.WriteByte(c)
			stack = append(stack, frame{container: '['})
			i++
		case c == '}' || c == ']':
			b.WriteByte(c)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			i++
		case c == ',':
			b.WriteByte(c)
			if n := len(stack); n > 0 && stack[n-1].container == '{' {
				stack[n-1].expectKey = true
			}
			i++
		case isIdentStart(c) && len(stack) > 0 && stack[len(stack)-1].container == '{' && stack[len(stack)-1].expectKey:
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			k := j
			for k < len(s) && isWhitespace(s[k]) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				b.WriteByte('"')
				b.WriteString(s[i:j])
				b.WriteByte('"')
			} else {
				b.WriteString(s[i:j])
			}
			stack[len(stack)-1].expectKey = false
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// scanString returns the index just past the double-quoted string starting
// at s[start]. An unterminated string consumes the rest of the input.
func scanString(s string, start int) int {
	esc := false
	for j := start + 1; j < len(s); j++ {
		if esc {
			esc = false
			continue
		}
		switch s[j] {
		case '\\':
			esc = true
		case '"':
			return j + 1
		}
	}
	return len(s)
}

// scanPrimitive consumes a number, boolean, null, or other bare token.
func scanPrimitive(s string, start int) int {
	j := start
	for j < len(s) && isPrimitiveChar(s[j]) {
		j++
	}
	if j == start {
		return start + 1
	}
	return j
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isPrimitiveStart(c byte) bool {
	return c == '-' || c == '+' || c == '.' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isPrimitiveChar(c byte) bool {
	return isPrimitiveStart(c) || c == '_'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-'
}
