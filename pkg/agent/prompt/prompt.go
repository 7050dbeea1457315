// Package prompt builds all prompt text for the research agents. Builders
// are stateless; all state comes from parameters. Every structured-output
// prompt pins the exact JSON shape the caller parses.
package prompt

import (
	"fmt"
	"strings"

	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// FormatDocumentSection renders a document for prompt embedding. Missing
// fields are tolerated; the abstract is passed as-is between markers so
// prose that looks like instructions stays data.
func FormatDocumentSection(doc *models.Document) string {
	var sb strings.Builder
	sb.WriteString("## Document\n\n")
	fmt.Fprintf(&sb, "**ID:** %d\n", doc.ID)
	if doc.Title != "" {
		fmt.Fprintf(&sb, "**Title:** %s\n", doc.Title)
	}
	if len(doc.Authors) > 0 {
		fmt.Fprintf(&sb, "**Authors:** %s\n", strings.Join(doc.Authors, "; "))
	}
	if doc.Journal != "" {
		fmt.Fprintf(&sb, "**Journal:** %s\n", doc.Journal)
	}
	sb.WriteString("\n### Abstract\n")
	if doc.Abstract == "" {
		sb.WriteString("No abstract available.\n")
		return sb.String()
	}
	sb.WriteString("<!-- ABSTRACT_START -->\n")
	sb.WriteString(doc.Abstract)
	sb.WriteString("\n<!-- ABSTRACT_END -->\n")
	return sb.String()
}

// QueryConversionSystem instructs the model to emit a PostgreSQL tsquery.
const QueryConversionSystem = `You are a biomedical literature search specialist. Convert the user's research question into a PostgreSQL to_tsquery expression.

Rules:
- Use & (AND), | (OR), ! (NOT), and parentheses.
- Prefer specific biomedical terminology from the question; add close synonyms with |.
- Do not invent concepts absent from the question.
- Respond with JSON only: {"query": "<tsquery expression>"}`

// QueryConversionUser wraps the research question.
func QueryConversionUser(question string) string {
	return "Research question: " + question
}

// BroadenQueryUser asks for a wider variant of a query that found too few
// documents. The instruction escalates with the attempt number.
func BroadenQueryUser(query string, attempt int) string {
	var instruction string
	switch {
	case attempt <= 1:
		instruction = "Add synonyms and related terms joined with | to each concept."
	case attempt == 2:
		instruction = "Remove the least central concept entirely so the query matches more documents."
	default:
		instruction = "Generalise specific entities to their broader categories (a drug to its class, a disease to its family)."
	}
	return fmt.Sprintf(`The query below found too few documents. Produce a broader variant.

Current query: %s

%s

Respond with JSON only: {"query": "<tsquery expression>"}`, query, instruction)
}

// ScoringSystem instructs the model to judge document relevance on a 1..5
// integer scale.
const ScoringSystem = `You are a medical research assistant judging whether a document is relevant to a research question.

Score the document on an integer scale:
5 - directly answers the question
4 - strong evidence on the question
3 - related, partial evidence
2 - tangentially related
1 - not relevant

Respond with JSON only: {"score": <integer 1-5>, "reasoning": "<one sentence>"}`

// ScoringUser wraps the question and document.
func ScoringUser(question string, doc *models.Document) string {
	return fmt.Sprintf("Research question: %s\n\n%s", question, FormatDocumentSection(doc))
}

// ScoringRetry corrects an out-of-range or unparseable score.
const ScoringRetry = `The score must be a single integer from 1 to 5. Respond again with JSON only: {"score": <integer 1-5>, "reasoning": "<one sentence>"}`

// CitationSystem instructs the model to quote a passage verbatim or declare
// the document irrelevant.
const CitationSystem = `You are extracting supporting evidence from a medical document.

If the document contains a passage relevant to the question, quote it EXACTLY as written - do not paraphrase, shorten, or fix typography. If nothing in the document is relevant, say so.

Respond with JSON only:
{"relevant": <true|false>, "passage": "<verbatim quote or empty>", "summary": "<one-sentence summary of what the passage shows>", "relevance": <number 0.0-1.0>}`

// CitationUser wraps the question and document.
func CitationUser(question string, doc *models.Document) string {
	return fmt.Sprintf("Research question: %s\n\n%s", question, FormatDocumentSection(doc))
}

// ReportingSystem instructs the model to synthesise a cited answer.
const ReportingSystem = `You are writing an evidence synthesis for a medical research question using ONLY the numbered citations provided.

Rules:
- Cite every factual claim with its citation number in square brackets, e.g. [1] or [2,3].
- Use only the provided citations; never invent sources or numbers.
- Note conflicting evidence explicitly.
- Keep the register of a clinical evidence summary.

Respond with JSON only: {"answer": "<synthesis with [N] markers>", "methodology_note": "<one sentence on the evidence base>"}`

// ReportingUser lists the citations in their provisional numbering.
func ReportingUser(question string, citations []models.Citation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research question: %s\n\n## Citations\n\n", question)
	for i, c := range citations {
		fmt.Fprintf(&sb, "[%d] (document %d) %s\n", i+1, c.DocumentID, c.DocumentTitle)
		fmt.Fprintf(&sb, "    Passage: %s\n", c.Passage)
		if c.Summary != "" {
			fmt.Fprintf(&sb, "    Summary: %s\n", c.Summary)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// CounterfactualSystem instructs the model to attack a text's main claims.
const CounterfactualSystem = `You are a skeptical medical reviewer. Identify the main claims of the text, then design research questions that would find evidence AGAINST each claim.

For each question supply search keywords: short noun phrases, no boolean operators.

Respond with JSON only:
{"main_claims": ["<claim>", ...],
 "questions": [{"question": "<question>", "claim": "<claim it challenges>", "priority": "<HIGH|MEDIUM|LOW>", "keywords": ["<keyword>", ...]}, ...]}`

// CounterfactualUser wraps the content under review.
func CounterfactualUser(content, title string) string {
	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "Title: %s\n\n", title)
	}
	sb.WriteString("Text under review:\n<!-- CONTENT_START -->\n")
	sb.WriteString(content)
	sb.WriteString("\n<!-- CONTENT_END -->\n")
	return sb.String()
}

// StatementsSystem instructs the model to extract checkable claims from an
// abstract, each with its negation.
const StatementsSystem = `You are dissecting a paper's abstract into its individual checkable claims.

For each claim produce the counter-statement: the precise assertion that would be true if the claim were false.

Respond with JSON only:
{"statements": [{"text": "<claim as stated>", "counter_statement": "<its negation>", "confidence": <number 0.0-1.0>}, ...]}`

// StatementsUser wraps the paper's title and abstract.
func StatementsUser(title, abstract string) string {
	return fmt.Sprintf("Title: %s\n\nAbstract:\n<!-- ABSTRACT_START -->\n%s\n<!-- ABSTRACT_END -->", title, abstract)
}

// VerdictSystem instructs the model to weigh counter-evidence against a
// statement.
const VerdictSystem = `You are judging whether the counter-evidence report below supports or contradicts a statement from a paper.

- "supports": the evidence found actually agrees with the statement.
- "contradicts": the evidence found disagrees with the statement.
- "undecided": the evidence is absent, weak, or mixed.

The rationale must cite the specific findings that drove the verdict.

Respond with JSON only: {"verdict": "<supports|contradicts|undecided>", "confidence": "<low|medium|high>", "rationale": "<detailed justification>"}`

// VerdictUser wraps the statement and the counter-evidence report.
func VerdictUser(statement, counterReport string) string {
	return fmt.Sprintf("Statement under test: %s\n\nCounter-evidence report:\n<!-- REPORT_START -->\n%s\n<!-- REPORT_END -->", statement, counterReport)
}

// VerdictRationaleRetry asks for a longer rationale.
func VerdictRationaleRetry(minLength int) string {
	return fmt.Sprintf("The rationale is too short. Expand it to at least %d characters, citing the specific findings, and respond again with the same JSON shape.", minLength)
}

// HydeSystem instructs the model to write a hypothetical abstract for
// embedding-based retrieval.
const HydeSystem = `Write a plausible abstract for a hypothetical study whose findings would establish the given statement. Use the register of a biomedical journal abstract: objective, methods, results with concrete numbers, conclusion. Respond with the abstract text only - no JSON, no preamble.`

// HydeUser wraps the statement to support.
func HydeUser(statement string) string {
	return "Statement the hypothetical study establishes: " + statement
}
