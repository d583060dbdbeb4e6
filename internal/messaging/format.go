package messaging

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the longest single bubble sent over iMessage, in runes.
const MaxMessageLength = 2000

var (
	boldRe        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe      = regexp.MustCompile(`\*(.+?)\*`)
	headingRe     = regexp.MustCompile(`(?m)^#{1,4}\s+`)
	bulletRe      = regexp.MustCompile(`(?m)^- `)
	codeRe        = regexp.MustCompile("`(.+?)`")
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	nestContentRe = regexp.MustCompile(`(?s)<nest-content>(.*?)</nest-content>`)
	separatorRe   = regexp.MustCompile(`\n---\n|\n---$|^---\n|\s+---\s+|\s+---$|^---\s+`)
)

// toUnicodeBold maps ASCII letters and digits to Mathematical Sans-Serif
// Bold code points. Other runes pass through.
func toUnicodeBold(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 4)
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(0x1D5D4 + (r - 'A'))
		case r >= 'a' && r <= 'z':
			b.WriteRune(0x1D5EE + (r - 'a'))
		case r >= '0' && r <= '9':
			b.WriteRune(0x1D7EC + (r - '0'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StripMarkdown converts agent markdown into text suitable for a chat bubble.
// **bold** becomes Unicode bold; other markup is removed. <nest-content>
// tags are left in place for SplitConversational.
func StripMarkdown(text string) string {
	text = boldRe.ReplaceAllStringFunc(text, func(m string) string {
		return toUnicodeBold(boldRe.FindStringSubmatch(m)[1])
	})
	text = italicRe.ReplaceAllString(text, "$1")
	text = headingRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "• ")
	text = codeRe.ReplaceAllString(text, "$1")
	text = htmlCommentRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

type segment struct {
	text  string
	block bool
}

// SplitConversational splits a reply into separate bubbles. Every line (or
// "---"-separated part) becomes its own bubble; <nest-content> blocks are
// kept whole unless they exceed MaxMessageLength.
func SplitConversational(text string) []string {
	var segments []segment
	last := 0
	for _, loc := range nestContentRe.FindAllStringSubmatchIndex(text, -1) {
		if before := strings.TrimSpace(text[last:loc[0]]); before != "" {
			segments = append(segments, segment{text: before})
		}
		segments = append(segments, segment{text: strings.TrimSpace(text[loc[2]:loc[3]]), block: true})
		last = loc[1]
	}
	if trailing := strings.TrimSpace(text[last:]); trailing != "" {
		segments = append(segments, segment{text: trailing})
	}
	if len(segments) == 0 {
		segments = []segment{{text: text}}
	}

	var chunks []string
	appendPart := func(part string) {
		if utf8.RuneCountInString(part) <= MaxMessageLength {
			chunks = append(chunks, part)
			return
		}
		chunks = append(chunks, SplitParagraphs(part, MaxMessageLength)...)
	}

	for _, seg := range segments {
		if seg.block {
			if seg.text != "" {
				appendPart(seg.text)
			}
			continue
		}
		var parts []string
		if strings.Contains(seg.text, "---") {
			parts = separatorRe.Split(seg.text, -1)
		} else {
			parts = strings.Split(seg.text, "\n")
		}
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				appendPart(part)
			}
		}
	}

	if len(chunks) == 0 {
		if t := truncateRunes(strings.TrimSpace(text), MaxMessageLength); t != "" {
			return []string{t}
		}
		return nil
	}
	return chunks
}

// SplitParagraphs packs paragraphs ("\n\n"-separated) into chunks of at most
// limit runes. A single oversized paragraph is emitted as-is.
func SplitParagraphs(text string, limit int) []string {
	var chunks []string
	current := ""
	for _, para := range strings.Split(text, "\n\n") {
		if current != "" && utf8.RuneCountInString(current)+utf8.RuneCountInString(para)+2 > limit {
			chunks = append(chunks, strings.TrimSpace(current))
			current = para
			continue
		}
		if current == "" {
			current = para
		} else {
			current += "\n\n" + para
		}
	}
	if c := strings.TrimSpace(current); c != "" {
		chunks = append(chunks, c)
	}
	if len(chunks) == 0 {
		return []string{truncateRunes(text, limit)}
	}
	return chunks
}

// EscapeAppleScript escapes s for a double-quoted AppleScript literal.
func EscapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
