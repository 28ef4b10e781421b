package document

import (
	"sync"
)

type span struct{ from, to int }

// Buffer is an in-memory Adapter. Offsets are bytes; the primary
// selection is [anchor, head) after normalization.
type Buffer struct {
	mu    sync.Mutex
	path  string
	text  string
	sel   span
	extra []span
	dirty bool
}

// NewBuffer returns a buffer holding text with the cursor at the end.
func NewBuffer(path, text string) *Buffer {
	return &Buffer{path: path, text: text, sel: span{len(text), len(text)}}
}

// Open loads path from store into a buffer.
func Open(store Store, path string) (*Buffer, error) {
	text, err := store.Read(path)
	if err != nil {
		return nil, err
	}
	return NewBuffer(path, text), nil
}

// Save writes the buffer back when it changed.
func (b *Buffer) Save(store Store) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	if err := store.Write(b.path, b.text); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Text returns the whole document.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Select sets the primary selection by offsets and drops extra ranges.
func (b *Buffer) Select(from, to int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sel = b.norm(from, to)
	b.extra = nil
}

// AddSelection adds a secondary range, as a multi-cursor editor would.
func (b *Buffer) AddSelection(from, to int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extra = append(b.extra, b.norm(from, to))
}

// SetCursor collapses the selection to off.
func (b *Buffer) SetCursor(off int) {
	b.Select(off, off)
}

func (b *Buffer) norm(from, to int) span {
	from, to = clampOffset(b.text, from), clampOffset(b.text, to)
	if to < from {
		from, to = to, from
	}
	return span{from, to}
}

// CursorOffset is the byte offset of the selection head.
func (b *Buffer) CursorOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sel.to
}

// SelectionRange returns the primary selection offsets.
func (b *Buffer) SelectionRange() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sel.from, b.sel.to
}

func (b *Buffer) Selection() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text[b.sel.from:b.sel.to]
}

// Selections returns the text of every non-empty range, primary first.
func (b *Buffer) Selections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range append([]span{b.sel}, b.extra...) {
		if s.to > s.from {
			out = append(out, b.text[s.from:s.to])
		}
	}
	return out
}

func (b *Buffer) Value() string { return b.Text() }

func (b *Buffer) ActiveFile() string { return b.path }

func (b *Buffer) Cursor(side Side) Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side == From {
		return PositionAt(b.text, b.sel.from)
	}
	return PositionAt(b.text, b.sel.to)
}

func (b *Buffer) SetSelection(from, to Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sel = b.norm(Offset(b.text, from), Offset(b.text, to))
	b.extra = nil
}

// InsertText writes text at pos. In replace mode the selection is removed
// first and the text lands where it started. The cursor ends up after
// the inserted text.
func (b *Buffer) InsertText(text string, pos Position, mode Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := b.prepare(pos, mode)
	b.splice(off, off, text)
	b.sel = span{off + len(text), off + len(text)}
	return nil
}

// InsertStream opens a stream at pos. Tokens are written as they arrive.
// In replace mode the selection stays in the document until the first
// token or the final replace lands.
func (b *Buffer) InsertStream(pos Position, mode Mode) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode == ModeReplace {
		b.extra = nil
		return &bufferStream{b: b, start: b.sel.from, end: b.sel.to, pending: true}, nil
	}
	off := Offset(b.text, pos)
	b.sel = span{off, off}
	return &bufferStream{b: b, start: off, end: off}, nil
}

func (b *Buffer) prepare(pos Position, mode Mode) int {
	if mode == ModeReplace {
		off := b.sel.from
		b.splice(b.sel.from, b.sel.to, "")
		b.extra = nil
		return off
	}
	return Offset(b.text, pos)
}

// splice replaces [from, to) and shifts secondary ranges after it.
func (b *Buffer) splice(from, to int, s string) {
	b.text = b.text[:from] + s + b.text[to:]
	b.dirty = true
	delta := len(s) - (to - from)
	for i := range b.extra {
		if b.extra[i].from >= to {
			b.extra[i].from += delta
			b.extra[i].to += delta
		}
	}
}

type bufferStream struct {
	b          *Buffer
	start, end int
	ended      bool
	// pending is set while [start, end) still holds the replaced selection.
	pending bool
}

func (s *bufferStream) Insert(token string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.ended || token == "" {
		return
	}
	if s.pending {
		s.b.splice(s.start, s.end, token)
		s.end, s.pending = s.start+len(token), false
	} else {
		s.b.splice(s.end, s.end, token)
		s.end += len(token)
	}
	s.b.sel = span{s.end, s.end}
}

func (s *bufferStream) End() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.ended = true
}

func (s *bufferStream) ReplaceAllWith(text string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.splice(s.start, s.end, text)
	s.end, s.pending = s.start+len(text), false
	s.b.sel = span{s.end, s.end}
}
