package generator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
)

// InProgressMessage is the error message when a session is already active.
const InProgressMessage = "There is another generation process"

// session is the active generation. Its cancel func is the only way to
// stop the provider call and the stream feeding the document.
type session struct {
	id     string
	cancel context.CancelFunc

	mu   sync.Mutex
	sink document.Stream
}

type sessionKey struct{}

// begin starts a session. Detached calls run under the caller's context
// and neither block nor are blocked by the active session.
func (g *Generator) begin(ctx context.Context, detached bool) (context.Context, func(), error) {
	if detached {
		return ctx, func() {}, nil
	}

	g.mu.Lock()
	if g.session != nil {
		g.mu.Unlock()
		g.log.Warn("generation rejected", "active_session", g.session.id)
		return nil, nil, errors.Concurrency(InProgressMessage)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{id: uuid.New().String(), cancel: cancel}
	g.session = s
	g.mu.Unlock()

	g.log.Debug("session started", "session", s.id)
	end := func() {
		g.mu.Lock()
		if g.session == s {
			g.session = nil
		}
		g.mu.Unlock()
		cancel()
		g.log.Debug("session ended", "session", s.id)
	}
	return context.WithValue(sctx, sessionKey{}, s), end, nil
}

// attach registers the stream of the session running under ctx so that
// Cancel can close it.
func attach(ctx context.Context, sink document.Stream) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Busy reports whether a session is active.
func (g *Generator) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil
}

// Cancel stops the active session: the provider call is aborted, an open
// stream is ended and the processing flag is cleared. Text already
// written to the document stays. It reports whether a session was active.
func (g *Generator) Cancel() bool {
	g.mu.Lock()
	s := g.session
	g.session = nil
	g.mu.Unlock()
	if s == nil {
		return false
	}

	s.cancel()
	s.mu.Lock()
	if s.sink != nil {
		s.sink.End()
	}
	s.mu.Unlock()
	g.log.Info("generation canceled", "session", s.id)
	return true
}

// canceled maps a context error to the canceled error.
func canceled(err error) error {
	return errors.NewBuilder(errors.CodeGenerationCanceled, "generation canceled").
		Kind(errors.KindUserFacing).
		User().
		Wrap(err).
		Build()
}
