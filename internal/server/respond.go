package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flynn-ai/genii/internal/errors"
)

const (
	headerContentType = "Content-Type"
	mimeJSON          = "application/json"

	// statusClientClosed reports a generation stopped before it finished.
	statusClientClosed = 499
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, mimeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": errors.FormatUserMessage(err)}
	if code := errorCode(err); code != "" {
		body["code"] = code
	}
	if kind := errors.GetKind(err); kind != errors.KindUnknown {
		body["kind"] = kind
	}
	writeJSON(w, statusFor(err), body)
}

func errorCode(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func statusFor(err error) int {
	switch {
	case errors.HasCode(err, errors.CodeGenerationCanceled):
		return statusClientClosed
	case errors.HasCode(err, errors.CodeFileNotFound), errors.HasCode(err, errors.CodeTemplateNotFound):
		return http.StatusNotFound
	}
	switch errors.GetKind(err) {
	case errors.KindConcurrency:
		return http.StatusConflict
	case errors.KindConfiguration, errors.KindUserFacing:
		return http.StatusBadRequest
	case errors.KindTemplate:
		return http.StatusUnprocessableEntity
	case errors.KindProvider, errors.KindExtraction:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.NewBuilder(errors.CodeInvalidInput, "invalid request body").User().Wrap(err).Build())
		return false
	}
	return true
}

// sseWriter writes server-sent events. Headers go out with the first
// event so that errors raised before any token still get a JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not implement http.Flusher")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) event(name string, v any) error {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set(headerContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) token(tok string) error {
	return s.event("token", map[string]string{"token": tok})
}
