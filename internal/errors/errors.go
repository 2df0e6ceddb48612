// Package errors defines the upload error taxonomy shared by the block
// protocol, the resumable protocol and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies an UploadError.
type Kind int

const (
	// KindStore is a failure of the durable store, the buffer or the
	// session store. It is also the kind of any unclassified error.
	KindStore Kind = iota
	// KindValidation is a malformed request, rejected before any store call.
	KindValidation
	// KindConflict is an offset mismatch or a concurrent write.
	KindConflict
	// KindMissingBlock is a commit that references a block never staged.
	KindMissingBlock
	// KindNotFound is an unknown upload session or object.
	KindNotFound
	// KindGone is a session that can no longer accept bytes.
	KindGone
	// KindTooLarge is a payload or declared length over the configured limit.
	KindTooLarge
)

var kindNames = map[Kind]string{
	KindStore:        "StoreError",
	KindValidation:   "ValidationError",
	KindConflict:     "ConflictError",
	KindMissingBlock: "MissingBlock",
	KindNotFound:     "NotFound",
	KindGone:         "Gone",
	KindTooLarge:     "TooLarge",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus returns the status code the HTTP layer uses for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindMissingBlock:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// UploadError is the error type returned by every upload component.
type UploadError struct {
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Fields holds per-field validation messages keyed by request field.
	Fields map[string][]string
	// BlockID names the offending block for KindMissingBlock.
	BlockID string
	// Err is the underlying cause, if any.
	Err error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" && len(e.Fields) > 0 {
		msg = e.fieldSummary()
	}
	if e.Err != nil {
		if msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Is matches another *UploadError of the same kind, so callers can write
// errors.Is(err, errors.ErrConflict).
func (e *UploadError) Is(target error) bool {
	var t *UploadError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && len(t.Fields) == 0 && t.Kind == e.Kind
}

// Detail returns the message shown to clients: the message, or the
// underlying cause when no message was set.
func (e *UploadError) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Fields) > 0 {
		return e.fieldSummary()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *UploadError) fieldSummary() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+strings.Join(e.Fields[name], " "))
	}
	return strings.Join(parts, "; ")
}

// Sentinels for errors.Is comparisons.
var (
	ErrStore        = &UploadError{Kind: KindStore}
	ErrValidation   = &UploadError{Kind: KindValidation}
	ErrConflict     = &UploadError{Kind: KindConflict}
	ErrMissingBlock = &UploadError{Kind: KindMissingBlock}
	ErrNotFound     = &UploadError{Kind: KindNotFound}
	ErrGone         = &UploadError{Kind: KindGone}
	ErrTooLarge     = &UploadError{Kind: KindTooLarge}
)

// FieldErrors accumulates per-field validation messages.
type FieldErrors map[string][]string

// Add records msg against field.
func (f FieldErrors) Add(field, msg string) {
	f[field] = append(f[field], msg)
}

// Err returns a validation error carrying the accumulated fields, or nil
// when no field failed.
func (f FieldErrors) Err() error {
	if len(f) == 0 {
		return nil
	}
	return &UploadError{Kind: KindValidation, Fields: map[string][]string(f)}
}

// Validation returns a validation error for a single field.
func Validation(field, msg string) *UploadError {
	return &UploadError{Kind: KindValidation, Fields: map[string][]string{field: {msg}}}
}

// Validationf returns a validation error without field attribution.
func Validationf(format string, args ...any) *UploadError {
	return &UploadError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error.
func Conflictf(format string, args ...any) *UploadError {
	return &UploadError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// MissingBlock returns the error for a commit that references a block
// that was never staged. blockID may be empty when the store does not say
// which block is missing.
func MissingBlock(blockID string, cause error) *UploadError {
	msg := "one or more blocks have not been staged"
	if blockID != "" {
		msg = fmt.Sprintf("block %q has not been staged", blockID)
	}
	return &UploadError{
		Kind:    KindMissingBlock,
		Message: msg,
		BlockID: blockID,
		Err:     cause,
	}
}

// NotFoundf returns a not-found error.
func NotFoundf(format string, args ...any) *UploadError {
	return &UploadError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Gonef returns a gone error.
func Gonef(format string, args ...any) *UploadError {
	return &UploadError{Kind: KindGone, Message: fmt.Sprintf(format, args...)}
}

// TooLargef returns a too-large error.
func TooLargef(format string, args ...any) *UploadError {
	return &UploadError{Kind: KindTooLarge, Message: fmt.Sprintf(format, args...)}
}

// Store wraps err as a store error. msg may be empty.
func Store(msg string, err error) *UploadError {
	return &UploadError{Kind: KindStore, Message: msg, Err: err}
}

// As extracts an *UploadError from err's chain.
func As(err error) (*UploadError, bool) {
	var ue *UploadError
	if stderrors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// KindOf returns the kind of err. Unclassified errors are KindStore.
func KindOf(err error) Kind {
	if ue, ok := As(err); ok {
		return ue.Kind
	}
	return KindStore
}

// Classify returns err as an *UploadError, wrapping unclassified errors
// as store errors. It returns nil for a nil error.
func Classify(err error) *UploadError {
	if err == nil {
		return nil
	}
	if ue, ok := As(err); ok {
		return ue
	}
	return Store("", err)
}
