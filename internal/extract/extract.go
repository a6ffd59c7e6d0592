// Package extract implements the Artifact Extractor: it pulls one fenced
// content block of a given kind out of a free-text response.
//
// A block opens with a line holding three backticks immediately followed
// by the kind (for example ```python), and runs non-greedily to the next
// line holding only three backticks. Fences may be indented but never
// start mid-line. The returned content has the indentation shared by
// all of its non-blank lines removed, so a block indented as part of a
// quotation or list item comes back at column zero.
//
// Extraction never partially succeeds: it returns exactly one block or
// none, and "no block" is distinguishable from "empty block".
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

const fence = "```"

// blockPattern matches one fenced block. Both fences must start a line
// (indentation allowed) and the closing fence carries nothing but
// whitespace. Group 1 is the info word, group 2 the raw content.
var blockPattern = regexp.MustCompile(
	"(?m)^[ \t]*" + fence + "([^\\s`]*)[ \t]*\r?\n((?s:.*?))^[ \t]*" + fence + "[ \t]*(?:\r?\n|\\z)",
)

// Extract returns the first block of the given kind in text.
// Kind is matched exactly; an empty kind matches untagged fences.
// Blocks are paired in document order, so the closing fence of one block
// is never taken as the opening fence of the next.
func Extract(text, kind string) model.ExtractionResult {
	for _, m := range blockPattern.FindAllStringSubmatch(text, -1) {
		if m[1] == kind {
			return model.ExtractionResult{Content: Dedent(trimBlock(m[2])), Found: true}
		}
	}
	return model.ExtractionResult{}
}

// Require is Extract for callers that treat a missing block as an error.
// The error wraps model.ErrArtifactNotFound.
func Require(text, kind string) (string, error) {
	res := Extract(text, kind)
	if !res.Found {
		return "", fmt.Errorf("%w: response has no %s%s block", model.ErrArtifactNotFound, fence, kind)
	}
	return res.Content, nil
}

// trimBlock drops blank lines before the first content line and the line
// break (plus any indentation of the closing fence) after the last one.
func trimBlock(s string) string {
	for {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 || strings.TrimSpace(s[:nl]) != "" {
			break
		}
		s = s[nl+1:]
	}
	s = strings.TrimRight(s, " \t")
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}

// Dedent removes any common leading whitespace from every non-blank line
// of s. Tabs and spaces are not considered equivalent. Lines consisting
// only of whitespace are normalized to empty lines.
func Dedent(s string) string {
	lines := strings.Split(s, "\n")

	var margin string
	haveMargin := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if !haveMargin {
			margin = indent
			haveMargin = true
			continue
		}
		margin = commonPrefix(margin, indent)
		if margin == "" {
			break
		}
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, margin)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
