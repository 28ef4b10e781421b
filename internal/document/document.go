// Package document defines the editor surface the generator writes into
// and a text buffer that implements it.
package document

import (
	"fmt"
)

// Mode is how generated text lands in the document.
type Mode string

const (
	// ModeInsert inserts at the cursor.
	ModeInsert Mode = "insert"
	// ModeReplace swaps the current selection for the generated text.
	ModeReplace Mode = "replace"
	// ModeStream appends tokens progressively, then normalizes once.
	ModeStream Mode = "stream"
)

// ParseMode maps a front matter or flag value to a Mode. Unknown values
// yield ModeInsert.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeReplace:
		return ModeReplace
	case ModeStream:
		return ModeStream
	default:
		return ModeInsert
	}
}

// Position is a zero based line and column. Ch counts bytes within the line.
type Position struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Ch)
}

// Before reports whether p comes strictly before q.
func (p Position) Before(q Position) bool {
	return p.Line < q.Line || (p.Line == q.Line && p.Ch < q.Ch)
}

// Side picks an end of the primary selection.
type Side string

const (
	From Side = "from"
	To   Side = "to"
)

// Stream receives generated tokens. Insert is ignored after End;
// ReplaceAllWith swaps everything inserted so far for the given text.
type Stream interface {
	Insert(token string)
	End()
	ReplaceAllWith(text string)
}

// Adapter is the host document as the generator sees it.
type Adapter interface {
	Selection() string
	Selections() []string
	Value() string
	Cursor(side Side) Position
	SetSelection(from, to Position)
	InsertText(text string, pos Position, mode Mode) error
	InsertStream(pos Position, mode Mode) (Stream, error)
	ActiveFile() string
}

// Store is the file side of a file backed buffer.
type Store interface {
	Read(path string) (string, error)
	Write(path, content string) error
}
