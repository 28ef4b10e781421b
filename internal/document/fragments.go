package document

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultLimiter marks the start of the implicit selection.
const DefaultLimiter = `^\*\*\*`

// Offset converts a position to a byte offset in text, clamping to the
// nearest valid offset.
func Offset(text string, pos Position) int {
	if pos.Line < 0 {
		return 0
	}
	off := 0
	for line := 0; line < pos.Line; line++ {
		i := strings.IndexByte(text[off:], '\n')
		if i < 0 {
			return len(text)
		}
		off += i + 1
	}
	end := strings.IndexByte(text[off:], '\n')
	if end < 0 {
		end = len(text) - off
	}
	ch := pos.Ch
	if ch < 0 {
		ch = 0
	}
	if ch > end {
		ch = end
	}
	return off + ch
}

// PositionAt converts a byte offset back into a position.
func PositionAt(text string, off int) Position {
	if off < 0 {
		off = 0
	}
	if off > len(text) {
		off = len(text)
	}
	line := strings.Count(text[:off], "\n")
	start := strings.LastIndexByte(text[:off], '\n') + 1
	return Position{Line: line, Ch: off - start}
}

// BeforeCursor is the text from the start of the document to the cursor.
func BeforeCursor(text string, cursor int) string {
	return text[:clampOffset(text, cursor)]
}

// AfterCursor is the text from the cursor to the end of the document.
func AfterCursor(text string, cursor int) string {
	return text[clampOffset(text, cursor):]
}

// PreviousWord returns the word ending at or before the cursor, skipping
// whitespace directly in front of it.
func PreviousWord(text string, cursor int) string {
	s := strings.TrimRightFunc(BeforeCursor(text, cursor), unicode.IsSpace)
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return s[i+size:]
}

// NextWord returns the word starting at or after the cursor.
func NextWord(text string, cursor int) string {
	s := strings.TrimLeftFunc(AfterCursor(text, cursor), unicode.IsSpace)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		return s
	}
	return s[:end]
}

// InverseSelection is the document with [from, to) removed.
func InverseSelection(text string, from, to int) string {
	from, to = clampOffset(text, from), clampOffset(text, to)
	if to < from {
		from, to = to, from
	}
	return text[:from] + text[to:]
}

// CursorParagraph returns the blank-line delimited paragraph holding the
// cursor.
func CursorParagraph(text string, cursor int) string {
	cursor = clampOffset(text, cursor)
	start := strings.LastIndex(text[:cursor], "\n\n")
	if start < 0 {
		start = 0
	} else {
		start += 2
	}
	end := strings.Index(text[cursor:], "\n\n")
	if end < 0 {
		end = len(text)
	} else {
		end += cursor
	}
	return strings.TrimSpace(text[start:end])
}

var sentenceEnd = regexp.MustCompile(`[.!?](?:\s|$)|\n\s*\n`)

// CursorSentence returns the sentence holding the cursor. Sentences end
// at '.', '!' or '?' followed by whitespace, or at a blank line.
func CursorSentence(text string, cursor int) string {
	cursor = clampOffset(text, cursor)
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		stop := m[0] + 1
		if text[m[0]] == '\n' {
			stop = m[0]
		}
		if cursor <= stop {
			return strings.TrimSpace(text[start:stop])
		}
		start = m[1]
	}
	return strings.TrimSpace(text[start:])
}

// TgSelection is the text a generation works on: the selection when it
// is not blank, else the text after the last line matching limiter up to
// the cursor, else everything before the cursor.
func TgSelection(text, selection string, cursor int, limiter string) string {
	if strings.TrimSpace(selection) != "" {
		return selection
	}
	before := BeforeCursor(text, cursor)
	if limiter == "" {
		return before
	}
	re, err := regexp.Compile("(?m)" + limiter)
	if err != nil {
		return before
	}

	lines := strings.SplitAfter(before, "\n")
	off := len(before)
	for i := len(lines) - 1; i >= 0; i-- {
		off -= len(lines[i])
		if re.MatchString(strings.TrimRight(lines[i], "\r\n")) {
			return before[off+len(lines[i]):]
		}
	}
	return before
}

func clampOffset(text string, off int) int {
	if off < 0 {
		return 0
	}
	if off > len(text) {
		return len(text)
	}
	return off
}
