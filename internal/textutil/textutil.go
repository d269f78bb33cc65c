// Package textutil holds the pure text transforms the normalizers apply to
// remote payloads before upserting: HTML body flattening for mailbox
// messages, document-markup flattening for the doc source, and
// wildcard-pattern label categorization. Every function here is
// deterministic and touches no database or network, so the package is
// testable in complete isolation.
package textutil

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockCloseRe = regexp.MustCompile(`(?i)</(div|p|br|tr|h[1-6]|li)>`)
	brRe         = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	spacesRe     = regexp.MustCompile(` +`)
	blankRunsRe  = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// HTMLToText converts an HTML email body to plain text: script/style blocks
// are dropped, block-level closing tags become newlines, remaining tags are
// stripped, entities are decoded, and whitespace is normalized so that runs
// of blank lines collapse to a single paragraph break.
func HTMLToText(htmlBody string) string {
	if htmlBody == "" {
		return ""
	}

	text := scriptRe.ReplaceAllString(htmlBody, "")
	text = styleRe.ReplaceAllString(text, "")
	text = blockCloseRe.ReplaceAllString(text, "\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = spacesRe.ReplaceAllString(text, " ")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	pageRe        = regexp.MustCompile(`(?s)<page[^>]*>\s*<pageTitle>([^<]*)</pageTitle>\s*<content>(.*?)</content>\s*</page>`)
	contentOnlyRe = regexp.MustCompile(`(?s)<content>(.*?)</content>`)
	docTagRe      = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// FlattenDocumentMarkup converts the doc source's XML-Markdown mix into
// plain Markdown. A titled <page> wrapper becomes a level-one heading over
// its content; a bare <content> wrapper is unwrapped; any remaining markup
// tags are stripped. Input that matches none of the wrappers is returned
// with only tag stripping and whitespace cleanup applied, so a payload that
// is already plain Markdown passes through unchanged.
func FlattenDocumentMarkup(raw string) string {
	if raw == "" {
		return raw
	}

	content := raw
	if m := pageRe.FindStringSubmatch(content); m != nil {
		title := strings.TrimSpace(m[1])
		content = "# " + title + "\n\n" + m[2]
	} else if m := contentOnlyRe.FindStringSubmatch(content); m != nil {
		content = m[1]
	}

	content = docTagRe.ReplaceAllString(content, "")
	content = blankRunsRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// CategorizeLabels buckets labels into the given categories. Each category
// maps to a list of patterns; a pattern matches literally except that '*'
// matches zero or more characters and '?' matches exactly one. A label can
// land in more than one category; every category key appears in the result
// even when no label matched it. A nil or empty category map yields nil.
func CategorizeLabels(labels []string, categories map[string][]string) map[string][]string {
	if len(categories) == 0 {
		return nil
	}

	result := make(map[string][]string, len(categories))
	for category := range categories {
		result[category] = []string{}
	}

	for _, label := range labels {
		for category, patterns := range categories {
			if matchesAnyPattern(label, patterns) {
				result[category] = append(result[category], label)
			}
		}
	}
	return result
}

func matchesAnyPattern(label string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchesPattern(label, pattern) {
			return true
		}
	}
	return false
}

// matchesPattern compiles the wildcard pattern to an anchored regexp.
// Matching is case-sensitive; all regexp metacharacters in the pattern are
// treated literally apart from the two wildcards.
func matchesPattern(label, pattern string) bool {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return false
	}
	return re.MatchString(label)
}
