package extract

import (
	"context"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/gen2brain/go-fitz"
	"github.com/go-resty/resty/v2"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/vault"
)

var pdfRefRe = regexp.MustCompile(`(?i)!?\[\[([^\]|#]+\.pdf)(?:[|#][^\]]*)?\]\]|\]\(([^)\s]+\.pdf)\)|(https?://[^\s)\]>"']+\.pdf)`)

// PDF converts vault or remote PDF documents to markdown.
type PDF struct {
	vault *vault.Vault
	http  *resty.Client
}

// NewPDF creates the PDF extractor.
func NewPDF(v *vault.Vault, client *resty.Client) *PDF {
	return &PDF{vault: v, http: client}
}

func (p *PDF) Slug() string { return "pdf" }

// Extract finds embedded, linked and remote PDFs.
func (p *PDF) Extract(_, content string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range pdfRefRe.FindAllStringSubmatch(content, -1) {
		ref := firstGroup(m)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return strings.TrimSpace(g)
		}
	}
	return ""
}

func (p *PDF) Convert(ctx context.Context, ref string, _ map[string]any) (string, error) {
	data, err := p.load(ctx, ref)
	if err != nil {
		return "", extractionError(p.Slug(), ref, err)
	}
	out, err := pdfToMarkdown(data)
	if err != nil {
		return "", extractionError(p.Slug(), ref, err)
	}
	return out, nil
}

func (p *PDF) load(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		res, err := p.http.R().SetContext(ctx).Get(ref)
		if err != nil {
			return nil, err
		}
		if !res.IsSuccess() {
			return nil, errors.Extraction(errors.CodeExtractionFailed, "unexpected status "+res.Status())
		}
		return res.Body(), nil
	}
	if p.vault == nil {
		return nil, errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	path := ref
	if !p.vault.Exists(path) {
		resolved, ok := p.vault.Resolve(ref)
		if !ok {
			return nil, errors.NewBuilder(errors.CodeFileNotFound, "file not found: "+ref).Permanent().Build()
		}
		path = resolved
	}
	return p.vault.ReadBytes(path)
}

func pdfToMarkdown(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", err
	}
	defer doc.Close()

	converter := md.NewConverter("", true, nil)
	var b strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		html, err := doc.HTML(i, true)
		if err != nil {
			return "", err
		}
		text, err := converter.ConvertString(html)
		if err != nil {
			return "", err
		}
		b.WriteString(inlineImageRe.ReplaceAllString(text, ""))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}
