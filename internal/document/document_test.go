package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore map[string]string

func (m memStore) Read(path string) (string, error) { return m[path], nil }
func (m memStore) Write(path, content string) error {
	m[path] = content
	return nil
}

func TestOffsetRoundTrip(t *testing.T) {
	text := "one\ntwo three\nfour"
	off := Offset(text, Position{Line: 1, Ch: 4})
	assert.Equal(t, "three\nfour", text[off:])
	assert.Equal(t, Position{Line: 1, Ch: 4}, PositionAt(text, off))

	assert.Equal(t, len(text), Offset(text, Position{Line: 9}))
	assert.Equal(t, 3, Offset(text, Position{Line: 0, Ch: 50}))
}

func TestWords(t *testing.T) {
	text := "hello brave  new world"
	cursor := strings.Index(text, "new")
	assert.Equal(t, "brave", PreviousWord(text, cursor))
	assert.Equal(t, "new", NextWord(text, cursor))
	assert.Equal(t, "hello", PreviousWord(text, 5))
	assert.Equal(t, "", PreviousWord(text, 0))
	assert.Equal(t, "", NextWord(text, len(text)))
}

func TestParagraphAndSentence(t *testing.T) {
	text := "First para.\n\nSecond one. It has two sentences! Right\n\nThird."
	cursor := strings.Index(text, "two")

	assert.Equal(t, "Second one. It has two sentences! Right", CursorParagraph(text, cursor))
	assert.Equal(t, "It has two sentences!", CursorSentence(text, cursor))
	assert.Equal(t, "Right", CursorSentence(text, strings.Index(text, "Right")+2))
	assert.Equal(t, "Third.", CursorSentence(text, len(text)))
}

func TestInverseSelection(t *testing.T) {
	assert.Equal(t, "ad", InverseSelection("abcd", 3, 1))
}

func TestTgSelection(t *testing.T) {
	text := "intro\n***\nprompt line one\nprompt two"

	assert.Equal(t, "picked", TgSelection(text, "picked", len(text), DefaultLimiter))
	assert.Equal(t, "prompt line one\nprompt two", TgSelection(text, "", len(text), DefaultLimiter))
	assert.Equal(t, "intro\n***\nprompt", TgSelection(text, "  ", strings.Index(text, " line"), ""))

	noLimiter := "just text"
	assert.Equal(t, "just", TgSelection(noLimiter, "", 4, DefaultLimiter))
}

func TestBufferInsertAndReplace(t *testing.T) {
	b := NewBuffer("note.md", "Hello World")
	b.Select(6, 11)
	assert.Equal(t, "World", b.Selection())
	assert.Equal(t, Position{Line: 0, Ch: 6}, b.Cursor(From))

	require.NoError(t, b.InsertText("There", b.Cursor(To), ModeReplace))
	assert.Equal(t, "Hello There", b.Text())
	assert.Equal(t, 11, b.CursorOffset())

	require.NoError(t, b.InsertText("!", b.Cursor(To), ModeInsert))
	assert.Equal(t, "Hello There!", b.Text())
}

func TestBufferSelections(t *testing.T) {
	b := NewBuffer("", "a b c")
	assert.Empty(t, b.Selections())

	b.Select(0, 1)
	b.AddSelection(2, 3)
	b.AddSelection(4, 5)
	assert.Equal(t, []string{"a", "b", "c"}, b.Selections())

	b.SetCursor(1)
	assert.Empty(t, b.Selections())
}

func TestStreamFinalReplace(t *testing.T) {
	run := func(tokens []string) string {
		b := NewBuffer("", "Q:")
		s, err := b.InsertStream(b.Cursor(To), ModeStream)
		require.NoError(t, err)
		var all strings.Builder
		for _, tok := range tokens {
			s.Insert(tok)
			all.WriteString(tok)
		}
		s.End()
		s.Insert("ignored")
		s.ReplaceAllWith("\n\n" + all.String())
		return b.Text()
	}

	chars := run(strings.Split("answer", ""))
	chunks := run([]string{"ans", "wer"})
	assert.Equal(t, "Q:\n\nanswer", chars)
	assert.Equal(t, chars, chunks)
}

func TestStreamReplaceMode(t *testing.T) {
	b := NewBuffer("", "keep DROP keep")
	b.Select(5, 9)
	s, err := b.InsertStream(b.Cursor(To), ModeReplace)
	require.NoError(t, err)
	s.Insert("new")
	s.End()
	assert.Equal(t, "keep new keep", b.Text())

	idle := NewBuffer("", "keep DROP keep")
	idle.Select(5, 9)
	s, err = idle.InsertStream(idle.Cursor(To), ModeReplace)
	require.NoError(t, err)
	s.End()
	assert.Equal(t, "keep DROP keep", idle.Text())
	assert.Equal(t, "DROP", idle.Selection())
}

func TestBufferSave(t *testing.T) {
	store := memStore{"n.md": "body"}
	b, err := Open(store, "n.md")
	require.NoError(t, err)
	require.NoError(t, b.InsertText(" more", b.Cursor(To), ModeInsert))
	require.NoError(t, b.Save(store))
	assert.Equal(t, "body more", store["n.md"])
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeReplace, ParseMode("replace"))
	assert.Equal(t, ModeStream, ParseMode("stream"))
	assert.Equal(t, ModeInsert, ParseMode("bogus"))
}
