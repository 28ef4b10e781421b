package server

import (
	"net/http"
	"strings"

	"github.com/flynn-ai/genii/internal/collector"
	"github.com/flynn-ai/genii/internal/document"
	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/generator"
)

// documentBody describes the note a request generates against. Without
// text the note is read from the vault. From and To select a byte range.
type documentBody struct {
	Path string  `json:"path"`
	Text *string `json:"text,omitempty"`
	From *int    `json:"from,omitempty"`
	To   *int    `json:"to,omitempty"`
	// Insert writes the result into the document instead of returning it.
	Insert bool `json:"insert,omitempty"`
	// Save writes the changed document back to the vault.
	Save bool `json:"save,omitempty"`
}

type generateRequest struct {
	Prompt          string         `json:"prompt,omitempty"`
	Template        string         `json:"template,omitempty"`
	TemplateContent string         `json:"template_content,omitempty"`
	Document        *documentBody  `json:"document,omitempty"`
	Vars            map[string]any `json:"vars,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ReqParams       map[string]any `json:"req_params,omitempty"`
	BodyParams      map[string]any `json:"body_params,omitempty"`
	InsertMetadata  bool           `json:"insert_metadata,omitempty"`
	Mode            string         `json:"mode,omitempty"`
}

func (req *generateRequest) call() generator.Call {
	return generator.Call{
		Params:         req.Params,
		InsertMetadata: req.InsertMetadata,
		ReqParams:      req.ReqParams,
		BodyParams:     req.BodyParams,
	}
}

func (s *Server) editorRequest(req *generateRequest) (generator.EditorRequest, error) {
	er := generator.EditorRequest{
		Call:            req.call(),
		TemplateContent: req.TemplateContent,
		Vars:            req.Vars,
	}
	if req.Mode != "" {
		er.Mode = document.ParseMode(req.Mode)
	}
	if req.Template != "" {
		p, err := s.gen.ResolveTemplate(req.Template)
		if err != nil {
			return er, err
		}
		er.TemplatePath = p
	}
	return er, nil
}

func (s *Server) openDocument(d *documentBody) (*document.Buffer, error) {
	if d == nil {
		return nil, nil
	}
	var buf *document.Buffer
	if d.Text != nil {
		buf = document.NewBuffer(d.Path, *d.Text)
	} else {
		v := s.gen.Vault()
		if v == nil || d.Path == "" {
			return nil, errors.NewBuilder(errors.CodeInvalidInput, "document needs text or a vault path").User().Build()
		}
		var err error
		if buf, err = document.Open(v, d.Path); err != nil {
			return nil, err
		}
	}

	switch {
	case d.From != nil && d.To != nil:
		buf.Select(*d.From, *d.To)
	case d.From != nil:
		buf.SetCursor(*d.From)
	}
	return buf, nil
}

// adapter keeps a nil buffer a nil interface.
func adapter(b *document.Buffer) document.Adapter {
	if b == nil {
		return nil
	}
	return b
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.Prompt != "" {
		text, err := s.gen.Prompt(ctx, req.Prompt, req.call())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": text})
		return
	}

	er, err := s.editorRequest(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.openDocument(req.Document)
	if err != nil {
		writeError(w, err)
		return
	}

	if doc != nil && req.Document.Insert {
		if err := s.gen.GenerateInEditor(ctx, doc, er); err != nil {
			writeError(w, err)
			return
		}
		if req.Document.Save {
			if err := doc.Save(s.gen.Vault()); err != nil {
				writeError(w, err)
				return
			}
		}
		from, to := doc.SelectionRange()
		writeJSON(w, http.StatusOK, map[string]any{
			"path":     doc.ActiveFile(),
			"document": doc.Text(),
			"cursor":   map[string]int{"from": from, "to": to},
		})
		return
	}

	text, err := s.gen.Complete(ctx, adapter(doc), er)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	er, err := s.editorRequest(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt != "" {
		er.TemplateContent = req.Prompt
	}
	doc, err := s.openDocument(req.Document)
	if err != nil {
		writeError(w, err)
		return
	}

	text, err := s.gen.StreamTo(r.Context(), adapter(doc), er, sse.token)
	if err != nil {
		s.log.Warn("stream failed", "error", err)
		if !sse.started {
			writeError(w, err)
			return
		}
		_ = sse.event("error", map[string]string{"error": errors.FormatUserMessage(err)})
		return
	}
	_ = sse.event("done", map[string]string{"text": text})
}

type batchRequest struct {
	Paths    []string       `json:"paths,omitempty"`
	Template string         `json:"template,omitempty"`
	Dir      string         `json:"dir,omitempty"`
	Prompts  []string       `json:"prompts,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	call := generator.Call{Params: req.Params}

	if len(req.Paths) > 0 {
		tpl, err := s.gen.ResolveTemplate(req.Template)
		if err != nil {
			writeError(w, err)
			return
		}
		report, err := s.gen.BatchFromFiles(ctx, req.Paths, tpl, req.Dir, call)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	inputs := make([]*collector.Input, len(req.Prompts))
	for i, p := range req.Prompts {
		inputs[i] = &collector.Input{Context: p, Options: map[string]any{}}
	}
	out, err := s.gen.Batch(ctx, inputs, call, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	failed := 0
	for _, text := range out {
		if generator.Failed(text) {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out, "failed": failed})
}

func (s *Server) estimate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.Prompt != "" {
		est, err := s.gen.EstimateTokens(ctx, &collector.Input{Context: req.Prompt, Options: map[string]any{}}, req.call())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, est)
		return
	}

	er, err := s.editorRequest(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.openDocument(req.Document)
	if err != nil {
		writeError(w, err)
		return
	}
	est, err := s.gen.EstimateForEditor(ctx, adapter(doc), er)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.gen.Cancel()})
}

func (s *Server) providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current": s.gen.CurrentProvider(),
		"data":    s.gen.Providers(),
	})
}

func (s *Server) setProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Provider) == "" {
		writeError(w, errors.NewBuilder(errors.CodeInvalidInput, "provider is required").User().Build())
		return
	}
	if err := s.gen.SetProvider(r.Context(), body.Provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.gen.CurrentProvider()})
}

func (s *Server) setModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.gen.SetModel(r.Context(), body.Model); err != nil {
		writeError(w, err)
		return
	}
	current := s.gen.CurrentProvider()
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": current,
		"model":    s.gen.Config().ProviderOptionsFor(current).Model,
	})
}

func (s *Server) templates(w http.ResponseWriter, _ *http.Request) {
	list, err := s.gen.Templates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.gen.Stats().Collect(0, ""),
		"daily":   s.gen.Cost().Daily(),
		"monthly": s.gen.Cost().Monthly(),
	})
}
