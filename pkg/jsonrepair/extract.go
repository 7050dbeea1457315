package jsonrepair

import "regexp"

// fencedBlockPattern captures the body of Markdown code fences, with or
// without a language tag.
var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ExtractJSON returns the first balanced JSON object or array substring in
// text. Fenced code blocks are searched first: models that fence their
// output usually put the payload there, and prose outside the fence often
// contains stray braces.
func ExtractJSON(text string) (string, bool) {
	for _, m := range fencedBlockPattern.FindAllStringSubmatch(text, -1) {
		if js, ok := firstBalanced(m[1]); ok {
			return js, true
		}
	}
	return firstBalanced(text)
}

func firstBalanced(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '{' && c != '[' {
			if c == '"' {
				i = scanString(s, i) - 1
			}
			continue
		}
		if end, ok := matchBalanced(s, i); ok {
			return s[i:end], true
		}
	}
	return "", false
}

// matchBalanced scans from an opener at s[start] to its matching closer,
// ignoring brackets inside string literals. Mismatched closers (a ']'
// closing a '{') abort the candidate.
func matchBalanced(s string, start int) (int, bool) {
	var stack []byte
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
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
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
