// Package extract pulls fenced code blocks out of model replies.
//
// Every fenced block whose info string names one of the extractor's tags is
// extracted. Multiple blocks are joined in order with a separator comment so
// the concatenation stays valid source in the target language. A fence that
// is never closed is not a block.
package extract

import (
	"regexp"
	"strings"
)

type Extractor struct {
	tags      []string
	separator string
	pattern   *regexp.Regexp
}

// New returns an extractor matching blocks tagged with any of tags (case
// insensitive). comment is the language's line-comment prefix, used to build
// the separator between concatenated blocks.
func New(comment string, tags ...string) *Extractor {
	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = regexp.QuoteMeta(t)
	}
	// ```tag\n<code>\n``` with the body matched lazily so adjacent blocks
	// stay separate.
	pattern := regexp.MustCompile("(?is)```(?:" + strings.Join(quoted, "|") + ")[ \\t]*\\r?\\n(.*?)\\r?\\n[ \\t]*```")

	return &Extractor{
		tags:      tags,
		separator: "\n\n" + comment + " ----- New Code Block -----\n\n",
		pattern:   pattern,
	}
}

// ForLanguage returns the extractor for a sandbox language.
func ForLanguage(language string) *Extractor {
	switch language {
	case "lua":
		return New("--", "lua")
	default:
		return New("#", "python", "py", "starlark", "star")
	}
}

// Tags returns the fence info strings this extractor recognises.
func (e *Extractor) Tags() []string {
	return e.tags
}

// Extract returns the concatenated code of every matching block, whether any
// block was found, and the text with all matched blocks (fences included)
// removed and surrounding whitespace trimmed.
func (e *Extractor) Extract(text string) (code string, found bool, residual string) {
	matches := e.pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return "", false, strings.TrimSpace(text)
	}

	blocks := make([]string, 0, len(matches))
	var rest strings.Builder
	prev := 0
	for _, m := range matches {
		blocks = append(blocks, text[m[2]:m[3]])
		rest.WriteString(text[prev:m[0]])
		prev = m[1]
	}
	rest.WriteString(text[prev:])

	return strings.Join(blocks, e.separator), true, strings.TrimSpace(rest.String())
}
