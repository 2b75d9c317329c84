package render

import (
	"html"
	"strings"
)

// Parse modes accepted by the Telegram Bot API.
const (
	ParseModeMarkdown   = "Markdown"
	ParseModeMarkdownV2 = "MarkdownV2"
	ParseModeHTML       = "HTML"
)

// style escapes dynamic text and emphasizes headings for one parse mode.
type style struct {
	escape func(string) string
	bold   func(string) string
	// trimPartial drops a trailing fragment of an escape sequence or entity
	// left behind by a cut.
	trimPartial func([]rune) []rune
}

// maxEntityLength covers the longest entity html.EscapeString emits.
const maxEntityLength = 5

var (
	legacyMarkdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)
	markdownV2Escaper     = newMarkdownV2Escaper()
)

func newMarkdownV2Escaper() *strings.Replacer {
	const special = "\\_*[]()~`>#+-=|{}.!"
	pairs := make([]string, 0, 2*len(special))
	for _, r := range special {
		pairs = append(pairs, string(r), `\`+string(r))
	}
	return strings.NewReplacer(pairs...)
}

func styleFor(parseMode string) style {
	switch strings.ToLower(strings.TrimSpace(parseMode)) {
	case strings.ToLower(ParseModeMarkdown):
		return style{
			escape:      legacyMarkdownEscaper.Replace,
			bold:        func(s string) string { return "*" + s + "*" },
			trimPartial: trimDanglingBackslash,
		}
	case strings.ToLower(ParseModeMarkdownV2):
		return style{
			escape:      markdownV2Escaper.Replace,
			bold:        func(s string) string { return "*" + s + "*" },
			trimPartial: trimDanglingBackslash,
		}
	case strings.ToLower(ParseModeHTML):
		return style{
			escape:      html.EscapeString,
			bold:        func(s string) string { return "<b>" + s + "</b>" },
			trimPartial: trimPartialEntity,
		}
	default:
		return style{
			escape: func(s string) string { return s },
			bold:   func(s string) string { return s },
		}
	}
}

// truncate cuts already escaped text to at most limit runes and ends it with
// an ellipsis escaped for the parse mode.
func (s style) truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	ellipsis := []rune(s.escape("..."))
	keep := max(limit-len(ellipsis), 0)
	r = r[:keep]
	if s.trimPartial != nil {
		r = s.trimPartial(r)
	}
	return string(r) + string(ellipsis)
}

// trimDanglingBackslash removes an escape character whose target was cut off.
func trimDanglingBackslash(r []rune) []rune {
	n := 0
	for i := len(r) - 1; i >= 0 && r[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		return r[:len(r)-1]
	}
	return r
}

func trimPartialEntity(r []rune) []rune {
	for i := len(r) - 1; i >= 0 && len(r)-i <= maxEntityLength; i-- {
		switch r[i] {
		case ';':
			return r
		case '&':
			return r[:i]
		}
	}
	return r
}
