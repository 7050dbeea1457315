package search

import (
	"strings"
	"unicode"
)

// Token kinds produced by the tsquery lexer.
type tokenKind int

const (
	tokTerm tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string // set for tokTerm
}

// SanitizeQuery turns model-produced or user-supplied query text into valid
// to_tsquery syntax. It strips punctuation that tsquery cannot parse, joins
// quoted phrases with the phrase operator, maps textual AND/OR/NOT (and the
// symbols & | !) to operators, inserts implicit ANDs between adjacent terms,
// and balances parentheses. The result is safe to bind as the $1 of
// to_tsquery('english', $1); an unsalvageable input yields "".
func SanitizeQuery(raw string) string {
	tokens := lexQuery(raw)
	tokens = normalizeOperators(tokens)
	tokens = balanceParens(tokens)
	return renderQuery(tokens)
}

// QueryFromKeywords builds a disjunctive tsquery from keyword strings.
// Multi-word keywords become phrases. Keywords that sanitise to nothing are
// dropped.
func QueryFromKeywords(keywords []string) string {
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if term := phraseTerm(kw); term != "" {
			terms = append(terms, term)
		}
	}
	return strings.Join(terms, " | ")
}

func lexQuery(raw string) []token {
	var tokens []token
	runes := []rune(raw)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '"':
			end := i + 1
			for end < len(runes) && runes[end] != '"' {
				end++
			}
			if term := phraseTerm(string(runes[i+1 : min(end, len(runes))])); term != "" {
				tokens = append(tokens, token{kind: tokTerm, text: term})
			}
			i = end + 1
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case r == '&':
			tokens = append(tokens, token{kind: tokAnd})
			i++
		case r == '|':
			tokens = append(tokens, token{kind: tokOr})
			i++
		case r == '!':
			tokens = append(tokens, token{kind: tokNot})
			i++
		case unicode.IsSpace(r):
			i++
		default:
			end := i
			for end < len(runes) && !isBoundary(runes[end]) {
				end++
			}
			word := string(runes[i:end])
			// Only uppercase operator words act as operators; "and" in
			// running text stays a search term.
			switch word {
			case "AND":
				tokens = append(tokens, token{kind: tokAnd})
			case "OR":
				tokens = append(tokens, token{kind: tokOr})
			case "NOT":
				tokens = append(tokens, token{kind: tokNot})
			default:
				if term := cleanTerm(word); term != "" {
					tokens = append(tokens, token{kind: tokTerm, text: term})
				}
			}
			i = end
		}
	}
	return tokens
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || r == '"' || r == '(' || r == ')' ||
		r == '&' || r == '|' || r == '!'
}

// cleanTerm strips everything tsquery cannot carry inside a lexeme. Letters
// and digits survive; hyphens survive between them ("beta-blocker"); all
// other punctuation and symbols, Unicode included, are dropped.
func cleanTerm(word string) string {
	var b strings.Builder
	for _, r := range word {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' && b.Len() > 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// phraseTerm joins the words of a phrase with the tsquery phrase operator.
func phraseTerm(phrase string) string {
	var words []string
	for _, w := range strings.Fields(phrase) {
		if cleaned := cleanTerm(w); cleaned != "" {
			words = append(words, cleaned)
		}
	}
	return strings.Join(words, "<->")
}

// normalizeOperators inserts implicit ANDs between adjacent operands and
// drops operators that have nothing to bind: leading/trailing binary
// operators, doubled operators, and NOTs with no operand.
func normalizeOperators(tokens []token) []token {
	out := make([]token, 0, len(tokens))

	endsOperand := func() bool {
		if len(out) == 0 {
			return false
		}
		k := out[len(out)-1].kind
		return k == tokTerm || k == tokRParen
	}

	for _, t := range tokens {
		switch t.kind {
		case tokTerm, tokLParen, tokNot:
			if endsOperand() {
				out = append(out, token{kind: tokAnd})
			}
			out = append(out, t)
		case tokAnd, tokOr:
			// Binary operators need a left operand; a second operator in a
			// row is dropped in favour of the first.
			if endsOperand() {
				out = append(out, t)
			}
		case tokRParen:
			// Drop operators dangling before a close.
			for len(out) > 0 {
				k := out[len(out)-1].kind
				if k == tokAnd || k == tokOr || k == tokNot {
					out = out[:len(out)-1]
					continue
				}
				break
			}
			out = append(out, t)
		}
	}

	// Trailing operators have no right operand.
	for len(out) > 0 {
		k := out[len(out)-1].kind
		if k == tokAnd || k == tokOr || k == tokNot {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return out
}

// balanceParens drops unmatched closers, closes unmatched openers, and
// removes empty groups.
func balanceParens(tokens []token) []token {
	out := make([]token, 0, len(tokens))
	depth := 0
	for _, t := range tokens {
		switch t.kind {
		case tokLParen:
			depth++
			out = append(out, t)
		case tokRParen:
			if depth == 0 {
				continue
			}
			depth--
			// Collapse "()" and any operator it strands.
			if len(out) > 0 && out[len(out)-1].kind == tokLParen {
				out = out[:len(out)-1]
				for len(out) > 0 {
					k := out[len(out)-1].kind
					if k == tokAnd || k == tokOr || k == tokNot {
						out = out[:len(out)-1]
						continue
					}
					break
				}
				continue
			}
			out = append(out, t)
		default:
			out = append(out, t)
		}
	}
	for ; depth > 0; depth-- {
		out = append(out, token{kind: tokRParen})
	}
	// Closing openers may strand a trailing operator inside the last group.
	return normalizeOperators(out)
}

func renderQuery(tokens []token) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 && t.kind != tokRParen && tokens[i-1].kind != tokLParen && tokens[i-1].kind != tokNot {
			b.WriteByte(' ')
		}
		switch t.kind {
		case tokTerm:
			b.WriteString(t.text)
		case tokAnd:
			b.WriteByte('&')
		case tokOr:
			b.WriteByte('|')
		case tokNot:
			b.WriteByte('!')
		case tokLParen:
			b.WriteByte('(')
		case tokRParen:
			b.WriteByte(')')
		}
	}
	return b.String()
}
