// Package errors provides the error taxonomy shared by the genii pipeline.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category defines how an error should be handled by retry logic.
type Category int

const (
	// CategoryTemporary errors are retryable (network timeouts, 5xx)
	CategoryTemporary Category = iota

	// CategoryPermanent errors are not retryable (malformed response, not found)
	CategoryPermanent

	// CategoryUser errors are caused by user input (bad template, bad front matter)
	CategoryUser

	// CategorySystem errors are system-level (disk, permissions, missing binaries)
	CategorySystem

	// CategoryRateLimit errors are due to API rate limiting
	CategoryRateLimit
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTemporary:
		return "temporary"
	case CategoryPermanent:
		return "permanent"
	case CategoryUser:
		return "user"
	case CategorySystem:
		return "system"
	case CategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Kind places an error in the pipeline taxonomy. It decides where the
// error is reported and whether the enclosing operation aborts.
type Kind string

const (
	KindUnknown       Kind = ""
	KindConfiguration Kind = "configuration"
	KindTemplate      Kind = "template"
	KindUserFacing    Kind = "user"
	KindExtraction    Kind = "extraction"
	KindProvider      Kind = "provider"
	KindConcurrency   Kind = "concurrency"
)

// AppError is the main error type for all genii errors.
type AppError struct {
	Code     string
	Message  string
	Category Category
	Kind     Kind
	Inner    error

	Retryable   bool
	RetryAfter  time.Duration
	Suggestions []string
	// Context carries debugging fields that end up in log lines.
	Context map[string]any
}

// Error returns the error message.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = "[" + e.Code + "] " + msg
	}
	if e.Inner != nil {
		if inner := e.Inner.Error(); inner != "" && inner != e.Message {
			msg += ": " + inner
		}
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Inner
}

// Is checks if the target error is contained in this error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Inner, target)
}

// New creates an AppError outside the pipeline kinds.
func New(code, message string, category Category) *AppError {
	return newError(code, message, category, KindUnknown)
}

// Wrap attaches code and message to err. The kind, retryability and
// suggestions of an inner AppError carry over.
func Wrap(err error, code, message string, category Category) *AppError {
	if err == nil {
		return nil
	}
	e := newError(code, message, category, KindUnknown)
	e.Inner = err
	if inner := find(err); inner != nil {
		e.Kind = inner.Kind
		e.Retryable = inner.Retryable
		e.Suggestions = inner.Suggestions
		e.Context = inner.Context
	}
	return e
}

func newError(code, message string, category Category, kind Kind) *AppError {
	return &AppError{Code: code, Message: message, Category: category, Kind: kind}
}

// Temporary creates a retryable error.
func Temporary(code, message string) *AppError {
	e := newError(code, message, CategoryTemporary, KindUnknown)
	e.Retryable = true
	return e
}

func Permanent(code, message string) *AppError {
	return newError(code, message, CategoryPermanent, KindUnknown)
}

// RateLimit creates a provider error that should be retried after
// retryAfter.
func RateLimit(code, message string, retryAfter time.Duration) *AppError {
	e := newError(code, message, CategoryRateLimit, KindProvider)
	e.Retryable = true
	e.RetryAfter = retryAfter
	e.Suggestions = []string{
		fmt.Sprintf("Wait %s before retrying", retryAfter),
		"Check your API quota",
	}
	return e
}

// Configuration creates an error for missing or invalid provider,
// model mapping or credentials. Generation does not proceed.
func Configuration(code, message string) *AppError {
	return newError(code, message, CategoryUser, KindConfiguration)
}

// Template creates a render error. Partial output is discarded.
func Template(code, message string) *AppError {
	return newError(code, message, CategoryUser, KindTemplate)
}

// UserFacing creates an error whose message is shown verbatim.
func UserFacing(message string) *AppError {
	return newError(CodeUserAbort, message, CategoryUser, KindUserFacing)
}

// Extraction creates an error for a single failed reference.
func Extraction(code, message string) *AppError {
	return newError(code, message, CategoryPermanent, KindExtraction)
}

func Provider(code, message string) *AppError {
	return newError(code, message, CategoryPermanent, KindProvider)
}

// Concurrency is returned when a generation session is already active.
func Concurrency(message string) *AppError {
	return newError(CodeGenerationInProgress, message, CategoryUser, KindConcurrency)
}

// Builder assembles an AppError step by step. Errors start out
// temporary but not retryable until Temporary is called.
type Builder struct {
	err *AppError
}

func NewBuilder(code, message string) *Builder {
	e := newError(code, message, CategoryTemporary, KindUnknown)
	e.Context = map[string]any{}
	return &Builder{err: e}
}

func (b *Builder) category(c Category, retry bool) *Builder {
	b.err.Category, b.err.Retryable = c, retry
	return b
}

func (b *Builder) Temporary() *Builder { return b.category(CategoryTemporary, true) }
func (b *Builder) Permanent() *Builder { return b.category(CategoryPermanent, false) }
func (b *Builder) User() *Builder      { return b.category(CategoryUser, false) }
func (b *Builder) System() *Builder    { return b.category(CategorySystem, false) }

func (b *Builder) Kind(kind Kind) *Builder {
	b.err.Kind = kind
	return b
}

func (b *Builder) Wrap(err error) *Builder {
	b.err.Inner = err
	return b
}

func (b *Builder) WithSuggestion(suggestion string) *Builder {
	b.err.Suggestions = append(b.err.Suggestions, suggestion)
	return b
}

// WithContext records a debugging field.
func (b *Builder) WithContext(key string, value any) *Builder {
	b.err.Context[key] = value
	return b
}

func (b *Builder) WithRetryAfter(d time.Duration) *Builder {
	b.err.RetryAfter = d
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *AppError {
	return b.err
}

const (
	// Configuration errors
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeProviderNotFound    = "PROVIDER_NOT_FOUND"
	CodeModelNotMapped      = "MODEL_NOT_MAPPED"
	CodeCredentialsMissing  = "CREDENTIALS_MISSING"
	CodeProviderUnsupported = "PROVIDER_UNSUPPORTED"

	// Template errors
	CodeTemplateSyntax          = "TEMPLATE_SYNTAX"
	CodeTemplateUnknownHelper   = "TEMPLATE_UNKNOWN_HELPER"
	CodeTemplateDirectiveFailed = "TEMPLATE_DIRECTIVE_FAILED"
	CodeTemplateNotFound        = "TEMPLATE_NOT_FOUND"
	CodeScriptNotAllowed        = "SCRIPT_NOT_ALLOWED"
	CodeUserAbort               = "USER_ABORT"

	// Extraction errors
	CodeExtractorUnknown   = "EXTRACTOR_UNKNOWN"
	CodeExtractionFailed   = "EXTRACTION_FAILED"
	CodeExtractionEndpoint = "EXTRACTION_ENDPOINT_UNREACHABLE"

	// Provider errors
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRateLimit   = "PROVIDER_RATE_LIMIT"
	CodeProviderBadRequest  = "PROVIDER_BAD_REQUEST"
	CodeProviderBadResponse = "PROVIDER_BAD_RESPONSE"

	// Session errors
	CodeGenerationInProgress = "GENERATION_IN_PROGRESS"
	CodeGenerationCanceled   = "GENERATION_CANCELED"

	// Store errors
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeFileReadFailed  = "FILE_READ_FAILED"
	CodeFileWriteFailed = "FILE_WRITE_FAILED"
	CodeIndexFailed     = "INDEX_FAILED"
	CodeQueryInvalid    = "QUERY_INVALID"

	// Validation errors
	CodeInvalidInput = "INVALID_INPUT"
)

// GetCategory returns the category of the first AppError in the chain.
// Plain errors count as temporary.
func GetCategory(err error) Category {
	if appErr := find(err); appErr != nil {
		return appErr.Category
	}
	return CategoryTemporary
}

func find(err error) *AppError {
	var appErr *AppError
	if err != nil && errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// GetKind returns the outermost non-empty kind in the chain.
func GetKind(err error) Kind {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return KindUnknown
		}
		if appErr.Kind != KindUnknown {
			return appErr.Kind
		}
		err = appErr.Inner
	}
	return KindUnknown
}

// IsKind reports whether err belongs to kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Inner
	}
	return false
}

// IsRetryable reports whether another attempt may succeed. Errors from
// outside the taxonomy are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr := find(err); appErr != nil {
		return appErr.Retryable
	}
	return true
}

func GetRetryAfter(err error) time.Duration {
	if appErr := find(err); appErr != nil {
		return appErr.RetryAfter
	}
	return 0
}

func GetSuggestions(err error) []string {
	if appErr := find(err); appErr != nil {
		return appErr.Suggestions
	}
	return nil
}

// FormatUserMessage formats a user-friendly error message with suggestions.
func FormatUserMessage(err error) string {
	if err == nil {
		return ""
	}

	appErr := find(err)
	if appErr == nil {
		return err.Error()
	}

	var sb strings.Builder
	sb.WriteString(appErr.Message)
	if appErr.Inner != nil && appErr.Kind != KindUserFacing {
		sb.WriteString(": ")
		sb.WriteString(appErr.Inner.Error())
	}

	if len(appErr.Suggestions) > 0 {
		sb.WriteString("\n\nSuggestions:")
		for _, s := range appErr.Suggestions {
			sb.WriteString("\n  - ")
			sb.WriteString(s)
		}
	}

	return sb.String()
}

// Is and As re-export the standard helpers so callers need one import.
var (
	Is = errors.Is
	As = errors.As
)
