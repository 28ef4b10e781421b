package extract

import (
	"bytes"
	"context"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/vault"
)

var audioExt = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".ogg":  true,
	".webm": true,
	".flac": true,
}

var audioRefRe = regexp.MustCompile(`(?i)!?\[\[([^\]|#]+\.(?:mp3|wav|m4a|ogg|webm|flac))(?:[|#][^\]]*)?\]\]|\]\(([^)\s]+\.(?:mp3|wav|m4a|ogg|webm|flac))\)`)

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, name string, data []byte) (string, error)
}

// WhisperTranscriber calls an OpenAI compatible transcription endpoint.
type WhisperTranscriber struct {
	apiKey string
	client openai.Client
	Model  string
}

// NewWhisperTranscriber creates a transcriber. baseURL may be empty.
func NewWhisperTranscriber(apiKey, baseURL string) *WhisperTranscriber {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &WhisperTranscriber{
		apiKey: apiKey,
		client: openai.NewClient(opts...),
		Model:  openai.AudioModelWhisper1,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, name string, data []byte) (string, error) {
	if w.apiKey == "" {
		return "", errors.NewBuilder(errors.CodeCredentialsMissing, "transcription needs an OpenAI API key").
			Kind(errors.KindConfiguration).
			User().
			WithSuggestion("Set the openai-chat api_key or OPENAI_API_KEY").
			Build()
	}
	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	res, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), path.Base(name), ctype),
		Model: w.Model,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", errors.Wrap(err, errors.CodeExtractionFailed, "transcription rejected", errors.CategoryPermanent)
		}
		return "", errors.Wrap(err, errors.CodeExtractionEndpoint, "transcription endpoint unreachable", errors.CategoryTemporary)
	}
	return strings.TrimSpace(res.Text), nil
}

// Audio transcribes audio files stored in the vault.
type Audio struct {
	vault       *vault.Vault
	transcriber Transcriber
}

// NewAudio creates the audio extractor.
func NewAudio(v *vault.Vault, t Transcriber) *Audio {
	return &Audio{vault: v, transcriber: t}
}

func (a *Audio) Slug() string { return "audio" }

func (a *Audio) Extract(_, content string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range audioRefRe.FindAllStringSubmatch(content, -1) {
		ref := firstGroup(m)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func (a *Audio) Convert(ctx context.Context, ref string, _ map[string]any) (string, error) {
	if a.vault == nil {
		return "", errors.Configuration(errors.CodeConfigInvalid, "no vault configured")
	}
	p := ref
	if !a.vault.Exists(p) {
		resolved, ok := a.vault.Resolve(ref)
		if !ok {
			return "", extractionError(a.Slug(), ref,
				errors.NewBuilder(errors.CodeFileNotFound, "file not found: "+ref).Permanent().Build())
		}
		p = resolved
	}
	data, err := a.vault.ReadBytes(p)
	if err != nil {
		return "", extractionError(a.Slug(), ref, err)
	}
	text, err := a.transcriber.Transcribe(ctx, p, data)
	if err != nil {
		if IsFatal(err) {
			return "", err
		}
		return "", extractionError(a.Slug(), ref, err)
	}
	return text, nil
}
